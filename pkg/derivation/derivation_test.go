package derivation_test

import (
	"testing"

	"github.com/nix-community/debuginfod/pkg/derivation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDrv = `Derive([("out","/nix/store/abc-hello","","")],[("/nix/store/def-bash.drv",["out"])],["/nix/store/ghi-source"],"x86_64-linux","/nix/store/def-bash/bin/bash",["-e","/nix/store/builder.sh"],[("name","hello-2.12"),("patches","/nix/store/ghi-source/fix.patch"),("src","/nix/store/ghi-source"),("system","x86_64-linux")])`

func TestParseBasic(t *testing.T) {
	d, err := derivation.Parse([]byte(sampleDrv))
	require.NoError(t, err)

	require.Contains(t, d.Outputs, "out")
	assert.Equal(t, "/nix/store/abc-hello", d.Outputs["out"].Path)

	require.Contains(t, d.InputDrvs, "/nix/store/def-bash.drv")
	assert.Equal(t, []string{"out"}, d.InputDrvs["/nix/store/def-bash.drv"])

	assert.Equal(t, []string{"/nix/store/ghi-source"}, d.InputSrcs)
	assert.Equal(t, "x86_64-linux", d.System)
	assert.Equal(t, "/nix/store/def-bash/bin/bash", d.Builder)
	assert.Equal(t, []string{"-e", "/nix/store/builder.sh"}, d.Args)

	assert.Equal(t, "hello-2.12", d.Env["name"])
	assert.Equal(t, "/nix/store/ghi-source/fix.patch", d.Env["patches"])
	assert.Equal(t, "/nix/store/ghi-source", d.Env["src"])
}

func TestParseEmptyLists(t *testing.T) {
	d, err := derivation.Parse([]byte(`Derive([],[],[],"x86_64-linux","/bin/sh",[],[])`))
	require.NoError(t, err)

	assert.Empty(t, d.Outputs)
	assert.Empty(t, d.InputDrvs)
	assert.Empty(t, d.InputSrcs)
	assert.Empty(t, d.Args)
	assert.Empty(t, d.Env)
}

func TestParseEscapedStrings(t *testing.T) {
	d, err := derivation.Parse([]byte(`Derive([],[],[],"x86_64-linux","/bin/sh",[],[("note","line1\nline2 \"quoted\" end")])`))
	require.NoError(t, err)

	assert.Equal(t, "line1\nline2 \"quoted\" end", d.Env["note"])
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	_, err := derivation.Parse([]byte(`Derive([],[],[],"x","y",[],[])trailing`))
	require.Error(t, err)

	var perr *derivation.ParseError
	require.ErrorAs(t, err, &perr)
}

func TestParseRejectsTruncated(t *testing.T) {
	_, err := derivation.Parse([]byte(`Derive([("out","/nix/store/abc-hello","",`))
	require.Error(t, err)
}

func TestParseMultipleOutputs(t *testing.T) {
	d, err := derivation.Parse([]byte(`Derive([("out","/nix/store/abc-hello","",""),("debug","/nix/store/abc-hello-debug","","")],[],[],"x86_64-linux","/bin/sh",[],[])`))
	require.NoError(t, err)

	assert.Len(t, d.Outputs, 2)
	assert.True(t, true == (d.Outputs["debug"].Path == "/nix/store/abc-hello-debug"))
}
