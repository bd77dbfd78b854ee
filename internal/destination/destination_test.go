package destination

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

type mappings struct {
	m   map[string]string
	err error
}

func (f mappings) GetDestination(_ context.Context, category string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.m[category]
	return v, ok, nil
}

func TestResolveFallsBackToGeneral(t *testing.T) {
	t.Parallel()

	r := NewResolver(mappings{m: map[string]string{"press": "releases"}}, logx.Nop())
	ctx := context.Background()

	assert.Equal(t, "releases", r.Resolve(ctx, "press"))
	assert.Equal(t, "general", r.Resolve(ctx, "filings"))

	broken := NewResolver(mappings{err: errors.New("disk on fire")}, logx.Nop())
	assert.Equal(t, Default, broken.Resolve(ctx, "press"))
}

func TestDirectory(t *testing.T) {
	t.Parallel()

	d := NewDirectory(map[string]transport.ChatTarget{
		"General":  {ChatID: -1},
		"releases": {ChatID: -2, ThreadID: 9},
	})

	got, ok := d.Lookup("#Releases")
	assert.True(t, ok)
	assert.Equal(t, transport.ChatTarget{ChatID: -2, ThreadID: 9}, got)

	_, ok = d.Lookup("general")
	assert.True(t, ok)
	assert.Equal(t, []string{"general", "releases"}, d.Names())

	d.Replace(map[string]transport.ChatTarget{"ops": {ChatID: -3}})
	_, ok = d.Lookup("general")
	assert.False(t, ok, "replace drops removed names")
	assert.Equal(t, "releases", Normalize(" #Releases"))
}
