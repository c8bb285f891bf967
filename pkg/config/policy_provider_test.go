package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dlp/pkg/domain"
	"github.com/polisai/polis-dlp/pkg/policy/flow"
)

const oneRule = `
flows:
  - id: F01
    from: user
    to: dlp_gateway
    allowed: true
`

const twoRules = `
flows:
  - id: F01
    from: user
    to: dlp_gateway
    allowed: true
  - id: F02
    from: dlp_gateway
    to: rag_orchestrator
    allowed: true
`

func TestPolicyProviderInitialLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flows.yaml", oneRule)

	p, err := NewPolicyProvider(path)
	require.NoError(t, err)

	store, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestPolicyProviderKeepsLoadError(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flows.yaml", "flows: nope\n")

	p, err := NewPolicyProvider(path)
	require.NoError(t, err)

	store, err := p.Current()
	assert.Nil(t, store)
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestPolicyProviderReloadKeepsPreviousOnFailure(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flows.yaml", oneRule)

	var calls []error
	p, err := NewPolicyProvider(path, WithReloadHandler(func(_ *flow.Store, err error) {
		calls = append(calls, err)
	}))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("flows: [\n"), 0o600))
	_, err = p.Reload()
	require.Error(t, err)

	store, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	require.NoError(t, os.WriteFile(path, []byte(twoRules), 0o600))
	_, err = p.Reload()
	require.NoError(t, err)

	store, _ = p.Current()
	assert.Equal(t, 2, store.Len())
	require.Len(t, calls, 2)
	assert.Error(t, calls[0])
	assert.NoError(t, calls[1])
}

func TestPolicyProviderWatch(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flows.yaml", oneRule)

	var (
		mu     sync.Mutex
		loaded *flow.Store
	)
	p, err := NewPolicyProvider(path,
		WithDebounce(20*time.Millisecond),
		WithReloadHandler(func(store *flow.Store, err error) {
			if err != nil {
				return
			}
			mu.Lock()
			loaded = store
			mu.Unlock()
		}),
	)
	require.NoError(t, err)
	require.NoError(t, p.Watch(context.Background()))
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, os.WriteFile(path, []byte(twoRules), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return loaded != nil && loaded.Len() == 2
	}, 5*time.Second, 20*time.Millisecond)

	store, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())
}

func TestPolicyProviderCloseWithoutWatch(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flows.yaml", oneRule)
	p, err := NewPolicyProvider(path)
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
