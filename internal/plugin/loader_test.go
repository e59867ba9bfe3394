// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package plugin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/holoflow/internal/credentials"
	"github.com/holomush/holoflow/internal/events"
	"github.com/holomush/holoflow/internal/i18n"
	"github.com/holomush/holoflow/internal/logging"
	"github.com/holomush/holoflow/internal/node"
	"github.com/holomush/holoflow/internal/plugin"
	"github.com/holomush/holoflow/internal/plugin/capability"
	"github.com/holomush/holoflow/internal/registry"
	"github.com/holomush/holoflow/pkg/errutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeHost acts on the base name of the implementation file:
// "fail*" returns an error, "panic*" panics, "slow*" blocks until ctx ends,
// anything else registers a type named after the file.
type fakeHost struct {
	mu       sync.Mutex
	loads    []string
	unloaded []string
	inflight atomic.Int32
	peak     atomic.Int32
	closed   bool
}

func (h *fakeHost) Runtime() string      { return "fake" }
func (h *fakeHost) Extensions() []string { return []string{".fake"} }

func (h *fakeHost) Load(ctx context.Context, set *registry.NodeSet, api *plugin.API) error {
	n := h.inflight.Add(1)
	defer h.inflight.Add(-1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}

	h.mu.Lock()
	h.loads = append(h.loads, set.ID)
	h.mu.Unlock()

	base := strings.TrimSuffix(filepath.Base(set.File), ".fake")
	switch {
	case strings.HasPrefix(base, "fail"):
		return errors.New("Error: " + base + " exploded")
	case strings.HasPrefix(base, "panic"):
		panic("kaboom")
	case strings.HasPrefix(base, "slow"):
		<-ctx.Done()
		return ctx.Err()
	case strings.HasPrefix(base, "wait"):
		time.Sleep(20 * time.Millisecond)
	}
	return api.RegisterType(base, node.ConstructorFunc(func(context.Context, node.Config) (node.Node, error) {
		return nil, errors.New("not used")
	}), node.Options{Credentials: map[string]node.CredentialField{"token": {Type: "password"}}})
}

func (h *fakeHost) Unload(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unloaded = append(h.unloaded, id)
	return nil
}

func (h *fakeHost) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func fakeSet(module, name string) *registry.NodeSet {
	return &registry.NodeSet{
		ID:      module + "/" + name,
		Module:  module,
		Name:    name,
		File:    filepath.Join("/nodes", name+".fake"),
		Types:   []string{name},
		Enabled: true,
	}
}

func setup(t *testing.T, opts ...plugin.LoaderOption) (*registry.Registry, *fakeHost, *plugin.Loader) {
	t.Helper()
	reg := registry.New(i18n.New())
	host := &fakeHost{}
	opts = append([]plugin.LoaderOption{plugin.WithHost(host)}, opts...)
	return reg, host, plugin.NewLoader(reg, opts...)
}

func TestLoadBatch_Isolation(t *testing.T) {
	reg, _, loader := setup(t)

	var sets []*registry.NodeSet
	for _, name := range []string{"a", "b", "c", "fail-d", "e", "f", "g", "h", "i", "j"} {
		set := fakeSet("m", name)
		reg.AddNodeSet(set)
		sets = append(sets, set)
	}

	results := loader.LoadBatch(context.Background(), sets)
	require.Len(t, results, 10)

	failed := reg.List(registry.HasError)
	require.Len(t, failed, 1)
	assert.Equal(t, "m/fail-d", failed[0].ID)
	assert.Equal(t, "Error: fail-d exploded", failed[0].Err)
	assert.False(t, failed[0].Loaded)
	assert.False(t, failed[0].Enabled, "a failed load leaves the set disabled")

	assert.Len(t, reg.List(registry.Loaded), 9)
	for _, loaded := range reg.List(registry.Loaded) {
		assert.True(t, loaded.Enabled)
	}
	for i, r := range results {
		assert.Equal(t, sets[i].ID, r.ID, "results keep input order")
	}
	_, ok := reg.Constructor("a")
	assert.True(t, ok)
}

func TestLoadBatch_SkipsErroredAndDisabled(t *testing.T) {
	reg, host, loader := setup(t)

	errored := fakeSet("m", "errored")
	errored.Err = "Error: errored.html does not exist"
	disabled := fakeSet("m", "disabled")
	disabled.Enabled = false
	reg.AddNodeSet(errored)
	reg.AddNodeSet(disabled)

	results := loader.LoadBatch(context.Background(), []*registry.NodeSet{errored, disabled})

	assert.True(t, results[0].Skipped)
	assert.True(t, results[1].Skipped)
	assert.Empty(t, host.loads)

	info, _ := reg.NodeInfo(errored.ID)
	assert.Equal(t, "Error: errored.html does not exist", info.Err, "parse errors pass through unchanged")
}

func TestLoad_PanicIsRecovered(t *testing.T) {
	reg, host, loader := setup(t)
	set := fakeSet("m", "panic-x")
	reg.AddNodeSet(set)

	res := loader.Load(context.Background(), set)

	require.Error(t, res.Err)
	errutil.AssertErrorCode(t, res.Err, "LOAD_FAILED")
	info, _ := reg.NodeInfo(set.ID)
	assert.NotEmpty(t, info.Err)
	assert.Contains(t, host.unloaded, set.ID)
}

func TestLoad_Timeout(t *testing.T) {
	reg, _, loader := setup(t, plugin.WithTimeout(30*time.Millisecond))
	set := fakeSet("m", "slow-x")
	reg.AddNodeSet(set)

	res := loader.Load(context.Background(), set)

	require.Error(t, res.Err)
	errutil.AssertErrorCode(t, res.Err, "LOAD_TIMEOUT")
	info, _ := reg.NodeInfo(set.ID)
	assert.Equal(t, "load timed out after 30ms", info.Err)
}

func TestLoad_NoRuntime(t *testing.T) {
	reg, _, loader := setup(t)
	set := fakeSet("m", "x")
	set.File = "/nodes/x.py"
	reg.AddNodeSet(set)

	res := loader.Load(context.Background(), set)
	errutil.AssertErrorCode(t, res.Err, "NO_RUNTIME")
	assert.Equal(t, "none", res.Runtime)
}

func TestLoadBatch_ConcurrencyLimit(t *testing.T) {
	reg, host, loader := setup(t, plugin.WithConcurrency(2))

	var sets []*registry.NodeSet
	for _, name := range []string{"wait-a", "wait-b", "wait-c", "wait-d", "wait-e"} {
		set := fakeSet("m", name)
		reg.AddNodeSet(set)
		sets = append(sets, set)
	}

	loader.LoadBatch(context.Background(), sets)

	assert.LessOrEqual(t, host.peak.Load(), int32(2))
	assert.Len(t, reg.List(registry.Loaded), 5)
}

func TestAPI_RegisterTypeRecordsCredentials(t *testing.T) {
	creds := credentials.NewStore()
	reg, _, loader := setup(t, plugin.WithCredentials(creds))
	set := fakeSet("m", "secret")
	reg.AddNodeSet(set)

	res := loader.Load(context.Background(), set)
	require.NoError(t, res.Err)

	def, ok := creds.Definition("secret")
	require.True(t, ok)
	assert.Equal(t, "password", def["token"].Type)
}

func TestAPI_Capabilities(t *testing.T) {
	enforcer := capability.NewEnforcer()
	require.NoError(t, enforcer.Grant("trusted", []string{capability.All}))
	require.NoError(t, enforcer.Grant("limited", []string{"credentials.read"}))

	creds := credentials.NewStore()
	creds.Add("n1", map[string]string{"user": "u"})
	var rec events.Recorder
	deps := plugin.Deps{
		Registrar:   registry.New(i18n.New()),
		Credentials: creds,
		Enforcer:    enforcer,
		Emitter:     &rec,
	}

	trusted := plugin.NewAPI(&registry.NodeSet{ID: "trusted/a", Module: "trusted"}, deps)
	limited := plugin.NewAPI(&registry.NodeSet{ID: "limited/a", Module: "limited"}, deps)
	none := plugin.NewAPI(&registry.NodeSet{ID: "none/a", Module: "none"}, deps)

	got, err := limited.Credentials("n1")
	require.NoError(t, err)
	assert.Equal(t, "u", got["user"])

	_, err = none.Credentials("n1")
	errutil.AssertErrorCode(t, err, "CAPABILITY_DENIED")

	require.NoError(t, trusted.Emit("status", 1))
	errutil.AssertErrorCode(t, limited.Emit("status", 2), "CAPABILITY_DENIED")
	limited.Events().Emit("status", 3)

	assert.Equal(t, []any{1}, rec.Named("status"))
}

func TestAPI_T(t *testing.T) {
	svc := i18n.New()
	api := plugin.NewAPI(&registry.NodeSet{ID: "m/a", Module: "m", Namespace: "m/a"}, plugin.Deps{Translator: svc})
	assert.Equal(t, "unknown.key", api.T("unknown.key"))
	assert.Equal(t, "m", api.Module())
	assert.Equal(t, "m/a", api.NodeSetID())
}

func TestLoader_ResetAndClose(t *testing.T) {
	reg, host, loader := setup(t)
	set := fakeSet("m", "a")
	reg.AddNodeSet(set)
	require.NoError(t, loader.Load(context.Background(), set).Err)

	require.NoError(t, loader.Reset(context.Background()))
	assert.Contains(t, host.unloaded, "m/a")

	require.NoError(t, loader.Close(context.Background()))
	assert.True(t, host.closed)
	assert.Equal(t, []string{".fake"}, loader.Extensions())
}

func TestLoad_FailureLogCarriesNodeSet(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.Setup("holoflow", "test", "json", "warn", &buf)
	reg, _, loader := setup(t, plugin.WithLogger(logger))
	set := fakeSet("m", "fail-x")
	reg.AddNodeSet(set)

	require.Error(t, loader.Load(context.Background(), set).Err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	assert.Equal(t, "failed to load node set", entry["msg"])
	assert.Equal(t, "m/fail-x", entry["node_set"])
	assert.Equal(t, "fake", entry["runtime"])
}
