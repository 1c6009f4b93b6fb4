package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhook/events"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Params
	}{
		{"defaults", "", Params{Limit: DefaultLimit, Offset: 0}},
		{"custom", "?limit=50&offset=10", Params{Limit: 50, Offset: 10}},
		{"max limit", "?limit=1000", Params{Limit: MaxLimit, Offset: 0}},
		{"negative offset", "?offset=-5", Params{Limit: DefaultLimit, Offset: 0}},
		{"garbage", "?limit=abc&offset=xyz", Params{Limit: DefaultLimit, Offset: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := paramsFor(tt.query); got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestNewPage(t *testing.T) {
	page := NewPage([]string{"a", "b"}, 5, Params{Limit: 2, Offset: 0})
	if !page.HasMore || page.Total != 5 || page.Limit != 2 {
		t.Errorf("unexpected page %+v", page)
	}

	last := NewPage([]string{"e"}, 5, Params{Limit: 2, Offset: 4})
	if last.HasMore {
		t.Error("expected no more results on the last page")
	}
}

func TestNewPage_EmptyEncodesAsArray(t *testing.T) {
	b, err := json.Marshal(NewPage[int](nil, 0, Params{Limit: 20}))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"data":[],"total":0,"limit":20,"offset":0,"has_more":false}`
	if string(b) != want {
		t.Errorf("expected %s, got %s", want, b)
	}
}

func TestParams_Bounds(t *testing.T) {
	tests := []struct {
		p      Params
		n      int
		lo, hi int
	}{
		{Params{Limit: 2, Offset: 0}, 5, 0, 2},
		{Params{Limit: 2, Offset: 4}, 5, 4, 5},
		{Params{Limit: 2, Offset: 10}, 5, 5, 5},
		{Params{Limit: 20, Offset: 0}, 0, 0, 0},
	}
	for _, tt := range tests {
		lo, hi := tt.p.Bounds(tt.n)
		if lo != tt.lo || hi != tt.hi {
			t.Errorf("%+v over %d: expected [%d,%d), got [%d,%d)", tt.p, tt.n, tt.lo, tt.hi, lo, hi)
		}
	}
}
