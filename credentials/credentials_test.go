package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func resolveString(t *testing.T, r *Resolver, input string) (*Credentials, error) {
	t.Helper()
	return r.ResolveReader(context.Background(), strings.NewReader(input))
}

func TestResolveReader_TemplateFunctions(t *testing.T) {
	t.Setenv("GC_MEMBER_ID", "1234")
	t.Setenv("GC_QUOTED", `ua "quoted" \ slash`)
	secretFile := filepath.Join(t.TempDir(), "pass_hash")
	require.NoError(t, os.WriteFile(secretFile, []byte("deadbeef\n"), 0o600))

	tests := []struct {
		name  string
		value string
		want  string
	}{
		{name: "env", value: `{{ env "GC_MEMBER_ID" | json }}`, want: "1234"},
		{name: "env escaped", value: `{{ env "GC_QUOTED" | json }}`, want: `ua "quoted" \ slash`},
		{name: "envDefault unset", value: `{{ envDefault "GC_UNSET_XYZ" "fallback" | json }}`, want: "fallback"},
		{name: "envDefault set", value: `{{ envDefault "GC_MEMBER_ID" "fallback" | json }}`, want: "1234"},
		{name: "file trimmed", value: `{{ file "` + secretFile + `" | json }}`, want: "deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, err := resolveString(t, NewResolver(), `{"user_agent": `+tt.value+`}`)
			require.NoError(t, err)
			require.Equal(t, tt.want, creds.UserAgent)
		})
	}
}

func TestResolveReader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "missing env", input: `{"user_agent": {{ env "GC_UNSET_XYZ" | json }}}`, want: "GC_UNSET_XYZ"},
		{name: "missing key", input: `{"user_agent": {{ .UndefinedKey }}}`, want: "executing credentials template"},
		{name: "bad template", input: `{"user_agent": {{ env }`, want: "parsing credentials template"},
		{name: "not json", input: `not valid json`, want: "invalid credentials JSON"},
		{name: "unknown field", input: `{"sites": [{"hots": "example.org"}]}`, want: "unknown field"},
		{name: "site without host", input: `{"sites": [{"cookies": [{"name": "a", "value": "b"}]}]}`, want: "sites[0]: host is required"},
		{name: "duplicate host", input: `{"sites": [{"host": "example.org"}, {"host": ".Example.org"}]}`, want: "sites[1]: duplicate host"},
		{name: "oversized", input: strings.Repeat("x", maxTemplateSize+1), want: "exceeds maximum size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolveString(t, NewResolver(), tt.input)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolveReader_ProviderLookedUpOnce(t *testing.T) {
	calls := 0
	vault := func(_ context.Context, ref string) (string, error) {
		calls++
		return "secret-" + ref, nil
	}

	input := `{
		"user_agent": {{ vault "hash" | json }},
		"sites": [{"host": "example.org", "cookies": [
			{"name": "ipb_pass_hash", "value": {{ vault "hash" | json }}},
			{"name": "ipb_member_id", "value": {{ vault "member" | json }}}
		]}]
	}`
	creds, err := resolveString(t, NewResolver(WithProvider("vault", vault)), input)
	require.NoError(t, err)
	require.Equal(t, "secret-hash", creds.UserAgent)
	require.Equal(t, "secret-hash", creds.Sites[0].Cookies[0].Value)
	require.Equal(t, "secret-member", creds.Sites[0].Cookies[1].Value)
	require.Equal(t, 2, calls)
}

func TestResolveReader_ProviderError(t *testing.T) {
	vault := func(context.Context, string) (string, error) {
		return "", errors.New("sealed")
	}
	_, err := resolveString(t, NewResolver(WithProvider("vault", vault)), `{"user_agent": {{ vault "x" | json }}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), `provider "vault" failed for ref "x"`)
	require.Contains(t, err.Error(), "sealed")
}

func TestCredentials_Site(t *testing.T) {
	creds := &Credentials{Sites: []SiteAuth{
		{Host: "example.org", Cookies: []Cookie{{Name: "ipb_member_id", Value: "1234"}, {Name: "", Value: "ignored"}}},
		{Host: ".img.example.org", Cookies: []Cookie{{Name: "nw", Value: "1"}}},
	}}
	require.NoError(t, creds.Validate())

	site := creds.Site("www.example.org")
	require.NotNil(t, site)
	require.Equal(t, "example.org", site.Host)
	cookies := site.HTTPCookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "ipb_member_id", cookies[0].Name)
	require.Equal(t, "1234", cookies[0].Value)

	// the most specific host wins
	require.Equal(t, ".img.example.org", creds.Site("CDN.IMG.example.org").Host)
	require.Nil(t, creds.Site("example.com"))
	require.Nil(t, creds.Site("badexample.org"))

	var none *Credentials
	require.Nil(t, none.Site("example.org"))
	require.Nil(t, none.Site("example.org").HTTPCookies())
}

func TestResolveFile(t *testing.T) {
	t.Setenv("GC_MEMBER_ID", "from-file")

	path := filepath.Join(t.TempDir(), "credentials.json.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`{"sites": [{"host": "example.org", "cookies": [{"name": "ipb_member_id", "value": {{ env "GC_MEMBER_ID" | json }}}]}]}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.Site("example.org").HTTPCookies()[0].Value)

	require.NoError(t, os.WriteFile(path, []byte(`{"sites": [{}]}`), 0o600))
	_, err = NewResolver().ResolveFile(context.Background(), path)
	require.Error(t, err)
	require.Contains(t, err.Error(), path)

	_, err = NewResolver().ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}
