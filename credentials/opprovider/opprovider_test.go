package opprovider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/gallery-cache/credentials"
)

const cookieTemplate = `{"sites": [{"host": "example.org", "cookies": [{"name": "ipb_pass_hash", "value": {{ op %q | json }}}]}]}`

func resolve(t *testing.T, ref string, opts ...Option) (*credentials.Credentials, error) {
	t.Helper()
	r := credentials.NewResolver(WithOnePassword(opts...))
	return r.ResolveReader(context.Background(), strings.NewReader(fmt.Sprintf(cookieTemplate, ref)))
}

// fakeOp writes a script that echoes its arguments in place of the op CLI.
func fakeOp(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "op")
	script := "#!/bin/sh\nif [ \"$3\" = \"op://vault/missing/field\" ]; then echo \"item not found\" >&2; exit 1; fi\necho \"$*\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestOnePassword_RejectsBareReference(t *testing.T) {
	_, err := resolve(t, "not-a-reference", WithBinary("/nonexistent/op"))
	require.Error(t, err)
	require.Contains(t, err.Error(), `provider "op"`)
	require.Contains(t, err.Error(), "op://")
}

func TestOnePassword_ReadsReference(t *testing.T) {
	bin := fakeOp(t)

	creds, err := resolve(t, "op://vault/site/hash", WithBinary(bin), WithAccount("team"))
	require.NoError(t, err)
	cookies := creds.Site("example.org").HTTPCookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "read --no-newline op://vault/site/hash --account team", cookies[0].Value)
}

func TestOnePassword_ReportsStderr(t *testing.T) {
	bin := fakeOp(t)

	_, err := resolve(t, "op://vault/missing/field", WithBinary(bin))
	require.Error(t, err)
	require.Contains(t, err.Error(), "item not found")
}
