package supabase

import (
	"encoding/json"
	"net/url"

	"github.com/nagesh-bhagelli/xpense/internal/domain"
)

// ============================================================
// PostgREST query encoding
// ============================================================

// encodeSpec renders spec as PostgREST query parameters:
// col=op.value per constraint and order=col.asc|desc.
func encodeSpec(spec domain.QuerySpec) string {
	v := url.Values{}
	v.Set("select", "*")
	for _, c := range spec.Constraints {
		v.Add(c.Column, string(c.Op)+"."+c.Value)
	}
	if spec.Order.Column != "" {
		dir := "desc"
		if spec.Order.Ascending {
			dir = "asc"
		}
		v.Set("order", spec.Order.Column+"."+dir)
	}
	return v.Encode()
}

// rowPath addresses one row of the owner.
func rowPath(collection domain.Collection, owner, id string) string {
	v := url.Values{}
	v.Set("id", "eq."+id)
	v.Set("user_id", "eq."+owner)
	return string(collection) + "?" + v.Encode()
}

// apiMessage extracts the human message of a PostgREST or GoTrue error body.
func apiMessage(body, fallback string) string {
	var e struct {
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return fallback
	}
	for _, m := range []string{e.Message, e.Msg, e.ErrorDescription, e.Error} {
		if m != "" {
			return m
		}
	}
	return fallback
}
