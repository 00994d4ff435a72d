package document

import (
	"encoding/json"
	"testing"
)

func TestParseAuthority(t *testing.T) {
	cases := map[string]Authority{
		"": AuthorityUnknown,
		"http://data.legilux.public.lu/resource/authority/resource-type/LOI":  AuthorityLaw,
		"http://data.legilux.public.lu/resource/authority/resource-type/RGD":  AuthorityGrandDucalRegulation,
		"http://data.legilux.public.lu/resource/authority/resource-type/AMIN": AuthorityMinisterialOrder,
		"Code":         AuthorityCode,
		"constitution": AuthorityConstitution,
		"circulaire":   AuthorityOther,
	}
	for in, want := range cases {
		if got := ParseAuthority(in); got != want {
			t.Fatalf("ParseAuthority(%q) = %v, want %v", in, got, want)
		}
	}
	if !(AuthorityConstitution > AuthorityCode && AuthorityCode > AuthorityLaw && AuthorityLaw > AuthorityGrandDucalRegulation) {
		t.Fatalf("authority levels are not ordered")
	}
}

func TestDocumentJSON(t *testing.T) {
	raw := []byte(`{"id":"eli/etat/leg/loi/1915/08/10/n1","title":"Loi concernant les sociétés commerciales","date":"1915-08-10","type":"LOI","citation_count":146,"repealed":false}`)
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Type != AuthorityLaw {
		t.Fatalf("expected law authority, got %v", d.Type)
	}
	if d.IssueDate.Year() != 1915 {
		t.Fatalf("expected 1915, got %d", d.IssueDate.Year())
	}
	if d.Citations != 146 {
		t.Fatalf("expected 146 citations, got %d", d.Citations)
	}

	var empty Document
	if err := json.Unmarshal([]byte(`{"id":"x","date":""}`), &empty); err != nil {
		t.Fatalf("unmarshal empty date: %v", err)
	}
	if !empty.IssueDate.IsZero() || empty.Type != AuthorityUnknown {
		t.Fatalf("expected zero signals, got %+v", empty)
	}
}

func TestIDsSkipsBlank(t *testing.T) {
	ids := IDs([]Document{{ID: "a"}, {}, {ID: "b"}})
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
