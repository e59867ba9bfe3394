// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package javascript_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/holoflow/internal/credentials"
	"github.com/holomush/holoflow/internal/events"
	"github.com/holomush/holoflow/internal/i18n"
	"github.com/holomush/holoflow/internal/node"
	"github.com/holomush/holoflow/internal/plugin"
	"github.com/holomush/holoflow/internal/plugin/javascript"
	"github.com/holomush/holoflow/internal/registry"
	"github.com/holomush/holoflow/pkg/errutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	reg    *registry.Registry
	host   *javascript.Host
	loader *plugin.Loader
	dir    string
}

func newFixture(t *testing.T, opts ...plugin.LoaderOption) *fixture {
	t.Helper()
	f := &fixture{
		reg:  registry.New(i18n.New()),
		host: javascript.NewHost(),
		dir:  t.TempDir(),
	}
	opts = append([]plugin.LoaderOption{plugin.WithHost(f.host), plugin.WithVersion("1.2.3")}, opts...)
	f.loader = plugin.NewLoader(f.reg, opts...)
	t.Cleanup(func() { _ = f.loader.Close(context.Background()) })
	return f
}

func (f *fixture) set(t *testing.T, name, src string, types ...string) *registry.NodeSet {
	t.Helper()
	file := filepath.Join(f.dir, name+".js")
	require.NoError(t, os.WriteFile(file, []byte(src), 0o600))
	set := &registry.NodeSet{
		ID:      "test/" + name,
		Module:  "test",
		Name:    name,
		File:    file,
		Types:   types,
		Enabled: true,
	}
	f.reg.AddNodeSet(set)
	return set
}

const echoModule = `
module.exports = function(RED) {
  function Echo(config) {
    RED.nodes.createNode(this, config);
    var node = this;
    node.on("input", function(msg, send, done) {
      msg.payload = config.prefix + msg.payload;
      send(msg);
      done();
    });
  }
  RED.nodes.registerType("echo", Echo);
};
`

func TestLoad_SyncEntryPoint(t *testing.T) {
	f := newFixture(t)
	set := f.set(t, "echo", echoModule, "echo")

	res := f.loader.Load(context.Background(), set)
	require.NoError(t, res.Err)
	assert.Equal(t, javascript.Runtime, res.Runtime)

	ctor, ok := f.reg.Constructor("echo")
	require.True(t, ok)

	n, err := ctor.New(context.Background(), node.Config{Type: "echo", Props: map[string]any{"prefix": ">"}})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID())
	assert.Equal(t, "echo", n.Type())

	out, err := n.Receive(context.Background(), node.Message{"payload": "hi"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ">hi", out[0]["payload"])
	require.NoError(t, n.Close(context.Background()))
}

func TestLoad_NonFunctionExportLoads(t *testing.T) {
	f := newFixture(t)
	set := f.set(t, "plain", `module.exports = { answer: 42 };`)

	require.NoError(t, f.loader.Load(context.Background(), set).Err)
	info, _ := f.reg.NodeInfo(set.ID)
	assert.True(t, info.Loaded)
}

func TestLoad_ThrowingEntryPoint(t *testing.T) {
	f := newFixture(t)
	set := f.set(t, "boom", `module.exports = function(RED) { throw new Error("boom"); };`, "boom")

	res := f.loader.Load(context.Background(), set)
	require.Error(t, res.Err)

	info, _ := f.reg.NodeInfo(set.ID)
	assert.Equal(t, "Error: boom", info.Err)
	assert.False(t, info.Loaded)
	assert.Zero(t, f.host.Modules())
}

func TestLoad_SyntaxError(t *testing.T) {
	f := newFixture(t)
	set := f.set(t, "broken", `module.exports = function(RED) {`)

	res := f.loader.Load(context.Background(), set)
	require.Error(t, res.Err)
	info, _ := f.reg.NodeInfo(set.ID)
	assert.NotEmpty(t, info.Err)
}

func TestLoad_PromiseResolvedByTimer(t *testing.T) {
	f := newFixture(t)
	set := f.set(t, "async", `
module.exports = function(RED) {
  return new Promise(function(resolve) {
    setTimeout(function() {
      RED.nodes.registerType("later", function(config) { RED.nodes.createNode(this, config); });
      resolve();
    }, 10);
  });
};`, "later")

	res := f.loader.Load(context.Background(), set)
	require.NoError(t, res.Err)

	_, ok := f.reg.Constructor("later")
	assert.True(t, ok)
}

func TestLoad_RejectedPromise(t *testing.T) {
	f := newFixture(t)
	set := f.set(t, "reject", `
module.exports = function(RED) {
  return new Promise(function(_, reject) {
    setTimeout(function() { reject(new Error("nope")); }, 5);
  });
};`)

	res := f.loader.Load(context.Background(), set)
	require.Error(t, res.Err)
	info, _ := f.reg.NodeInfo(set.ID)
	assert.Equal(t, "Error: nope", info.Err)
}

func TestLoad_NeverSettlingPromiseTimesOut(t *testing.T) {
	f := newFixture(t, plugin.WithTimeout(50*time.Millisecond))
	set := f.set(t, "forever", `
module.exports = function(RED) {
  return new Promise(function() {
    function tick() { setTimeout(tick, 5); }
    tick();
  });
};`)

	res := f.loader.Load(context.Background(), set)
	require.Error(t, res.Err)
	errutil.AssertErrorCode(t, res.Err, "LOAD_TIMEOUT")

	info, _ := f.reg.NodeInfo(set.ID)
	assert.Equal(t, "load timed out after 50ms", info.Err)
}

func TestLoad_BusyLoopIsInterrupted(t *testing.T) {
	f := newFixture(t, plugin.WithTimeout(50*time.Millisecond))
	set := f.set(t, "spin", `module.exports = function(RED) { for (;;) {} };`)

	res := f.loader.Load(context.Background(), set)
	errutil.AssertErrorCode(t, res.Err, "LOAD_TIMEOUT")
}

func TestLoad_DuplicateRegistrationFails(t *testing.T) {
	f := newFixture(t)
	first := f.set(t, "first", echoModule, "echo")
	second := f.set(t, "second", `
module.exports = function(RED) {
  RED.nodes.registerType("echo", function(config) { RED.nodes.createNode(this, config); });
};`)

	require.NoError(t, f.loader.Load(context.Background(), first).Err)
	res := f.loader.Load(context.Background(), second)
	require.Error(t, res.Err)

	info, _ := f.reg.NodeInfo(second.ID)
	assert.Contains(t, info.Err, "echo")
}

func TestConstructor_MustCallCreateNode(t *testing.T) {
	f := newFixture(t)
	set := f.set(t, "lazy", `
module.exports = function(RED) {
  RED.nodes.registerType("lazy", function(config) { this.x = 1; });
};`, "lazy")
	require.NoError(t, f.loader.Load(context.Background(), set).Err)

	ctor, ok := f.reg.Constructor("lazy")
	require.True(t, ok)
	_, err := ctor.New(context.Background(), node.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "createNode")
}

func TestRED_CredentialsAndEvents(t *testing.T) {
	creds := credentials.NewStore()
	creds.Add("n1", map[string]string{"user": "ada"})
	var rec events.Recorder

	f := newFixture(t, plugin.WithCredentials(creds), plugin.WithEmitter(&rec))
	set := f.set(t, "cred", `
module.exports = function(RED) {
  RED.events.emit("loaded", RED.version);
  function Cred(config) {
    RED.nodes.createNode(this, config);
    var node = this;
    node.on("input", function(msg) {
      msg.user = node.credentials.user;
      node.send(msg);
    });
  }
  RED.nodes.registerType("cred", Cred, { credentials: { user: { type: "text" }, pass: { type: "password" } } });
};`, "cred")

	require.NoError(t, f.loader.Load(context.Background(), set).Err)
	assert.Equal(t, []any{"1.2.3"}, rec.Named("loaded"))

	def, ok := creds.Definition("cred")
	require.True(t, ok)
	assert.Equal(t, "password", def["pass"].Type)

	ctor, _ := f.reg.Constructor("cred")
	n, err := ctor.New(context.Background(), node.Config{ID: "n1"})
	require.NoError(t, err)
	out, err := n.Receive(context.Background(), node.Message{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ada", out[0]["user"])
}

func TestNode_InputHandlerErrorAndClose(t *testing.T) {
	f := newFixture(t)
	set := f.set(t, "fail", `
var closed = 0;
module.exports = function(RED) {
  function Fail(config) {
    RED.nodes.createNode(this, config);
    this.on("input", function(msg, send, done) { done(new Error("bad input")); });
    this.on("close", function() { closed++; });
  }
  RED.nodes.registerType("fail", Fail);
};`, "fail")
	require.NoError(t, f.loader.Load(context.Background(), set).Err)

	ctor, _ := f.reg.Constructor("fail")
	n, err := ctor.New(context.Background(), node.Config{})
	require.NoError(t, err)

	_, err = n.Receive(context.Background(), node.Message{"payload": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")
	require.NoError(t, n.Close(context.Background()))
}

func TestUnload_StopsPendingTimers(t *testing.T) {
	f := newFixture(t)
	set := f.set(t, "timers", `
module.exports = function(RED) {
  setTimeout(function() { RED.log.info("late"); }, 60000);
};`)
	require.NoError(t, f.loader.Load(context.Background(), set).Err)
	assert.Equal(t, 1, f.host.Modules())

	require.NoError(t, f.loader.Unload(context.Background(), set.ID))
	assert.Zero(t, f.host.Modules())

	api := plugin.NewAPI(set, plugin.Deps{Registrar: f.reg})
	require.NoError(t, f.host.Load(context.Background(), set, api))
	require.NoError(t, f.host.Close(context.Background()))
	assert.Error(t, f.host.Load(context.Background(), set, api))
}
