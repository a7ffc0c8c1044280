package jsonpath

import (
	"errors"
	"testing"

	"github.com/tidwall/gjson"
)

const doc = `{
	"name": "John Doe",
	"age": 30,
	"nickname": null,
	"address": {"city": "Anytown"},
	"phones": [
		{"type": "home", "number": "555-1234"},
		{"type": "work", "number": "555-5678"}
	]
}`

func TestGet(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr error
	}{
		{"$.name", "John Doe", nil},
		{"name", "John Doe", nil},
		{"$.address.city", "Anytown", nil},
		{"$.phones[1].number", "555-5678", nil},
		{"phones.0.type", "home", nil},
		{"$['address']['city']", "Anytown", nil},
		{"$.missing", "", ErrNotFound},
		{"$.phones[5]", "", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := Get([]byte(doc), tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Get(%q) error = %v, want %v", tt.path, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Get(%q) error = %v", tt.path, err)
			}
			if got.String() != tt.want {
				t.Errorf("Get(%q) = %q, want %q", tt.path, got.String(), tt.want)
			}
		})
	}
}

func TestGet_InvalidDocument(t *testing.T) {
	for _, body := range []string{"", "not json", `{"a":`} {
		if _, err := Get([]byte(body), "a"); !errors.Is(err, ErrInvalidJSON) {
			t.Errorf("Get(%q) error = %v, want ErrInvalidJSON", body, err)
		}
	}
}

func TestExtract(t *testing.T) {
	if got, err := Extract(doc, "$.age"); err != nil || got != "30" {
		t.Errorf("Extract(age) = %q, %v", got, err)
	}
	if got, err := Extract(doc, "$.nickname"); err != nil || got != "null" {
		t.Errorf("Extract(nickname) = %q, %v", got, err)
	}
	if _, err := Extract(doc, ""); err == nil {
		t.Error("Extract with empty path should fail")
	}
}

func TestLookup(t *testing.T) {
	record := map[string]any{
		"username": "alice",
		"roles":    []string{"admin", "dev"},
	}

	got, err := Lookup(record, "username")
	if err != nil || got.String() != "alice" {
		t.Errorf("Lookup(username) = %v, %v", got, err)
	}

	got, err = Lookup(record, "$.roles[1]")
	if err != nil || got.String() != "dev" {
		t.Errorf("Lookup(roles[1]) = %v, %v", got, err)
	}

	parsed := gjson.Parse(`{"token":"abc"}`)
	got, err = Lookup(parsed, "token")
	if err != nil || got.String() != "abc" {
		t.Errorf("Lookup(gjson) = %v, %v", got, err)
	}

	if _, err := Lookup(record, "password"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(password) error = %v, want ErrNotFound", err)
	}

	if _, err := Lookup(make(chan int), "x"); err == nil {
		t.Error("Lookup on unmarshalable value should fail")
	}
}

func TestToGjsonPath(t *testing.T) {
	tests := []struct {
		jsonPath  string
		gjsonPath string
	}{
		{"$.name", "name"},
		{"$['name']", "name"},
		{"$.user.name", "user.name"},
		{"$.items[0]", "items.0"},
		{"$.items[0].name", "items.0.name"},
		{"$.deeply.nested[0].array[1].value", "deeply.nested.0.array.1.value"},
		{"$", "@this"},
		{"$[0]", "0"},
		{"$[0].name", "0.name"},
		{"items.#.id", "items.#.id"},
	}

	for _, tt := range tests {
		t.Run(tt.jsonPath, func(t *testing.T) {
			if result := ToGjsonPath(tt.jsonPath); result != tt.gjsonPath {
				t.Errorf("ToGjsonPath(%q) = %q, want %q", tt.jsonPath, result, tt.gjsonPath)
			}
		})
	}
}
