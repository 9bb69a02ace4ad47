package opendata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func TestListDatasetsBuildsSearchClause(t *testing.T) {
	var gotWhere string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWhere = r.URL.Query().Get("where")
		w.Write([]byte(`{"results":[{"dataset_id":"residenti-per-quartiere"},{"dataset_id":"elenco-esercizi"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	ids, err := c.ListDatasets(context.Background(), "l'anno", 15)
	if err != nil {
		t.Fatal(err)
	}
	if gotWhere != "search('l''anno')" {
		t.Errorf("where = %q", gotWhere)
	}
	if len(ids) != 2 || ids[0] != "residenti-per-quartiere" {
		t.Errorf("ids = %v", ids)
	}
}

func TestDescriptionStripsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"dataset_id":"d","metas":{"default":{"description":"<p>Residenti &amp; famiglie<br>per quartiere</p>"}}}`))
	}))
	defer srv.Close()

	desc, err := New(srv.URL).Description(context.Background(), "d")
	if err != nil {
		t.Fatal(err)
	}
	if desc != "Residenti & famiglie\nper quartiere" {
		t.Errorf("description = %q", desc)
	}
}

func TestTooHeavyEstimate(t *testing.T) {
	tests := []struct {
		name    string
		records int
		fields  int
		want    bool
	}{
		{"small", 1000, 5, false},
		{"large", 2_000_000, 10, true},
		{"empty", 0, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fields := `[`
				for i := range tt.fields {
					if i > 0 {
						fields += ","
					}
					fields += `{"name":"f"}`
				}
				fields += `]`
				w.Write([]byte(`{"dataset_id":"d","fields":` + fields +
					`,"metas":{"default":{"records_count":` + strconv.Itoa(tt.records) + `}}}`))
			}))
			defer srv.Close()

			if got := New(srv.URL).TooHeavy(context.Background(), "d", TooHeavyThreshold); got != tt.want {
				t.Errorf("TooHeavy = %v, want %v", got, tt.want)
			}
		})
	}
}
