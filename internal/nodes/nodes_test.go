// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package nodes_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/holoflow/internal/events"
	"github.com/holomush/holoflow/internal/node"
	"github.com/holomush/holoflow/internal/nodes"
	"github.com/holomush/holoflow/internal/plugin"
	"github.com/holomush/holoflow/internal/registry"
	"github.com/holomush/holoflow/internal/scan"
	"github.com/holomush/holoflow/internal/settings"
	"github.com/holomush/holoflow/pkg/errutil"
)

// writeNodeSet writes name.js registering types and name.html declaring
// them. With html false only the implementation file is written.
func writeNodeSet(dir, name string, html bool, types ...string) {
	GinkgoHelper()
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())

	var js strings.Builder
	js.WriteString("module.exports = function(RED) {\n")
	for _, t := range types {
		fmt.Fprintf(&js, "  RED.nodes.registerType(%q, function(config) { RED.nodes.createNode(this, config); });\n", t)
	}
	js.WriteString("};\n")
	Expect(os.WriteFile(filepath.Join(dir, name+".js"), []byte(js.String()), 0o600)).To(Succeed())

	if !html {
		return
	}
	var tpl strings.Builder
	for _, t := range types {
		fmt.Fprintf(&tpl, "<script type=\"text/html\" data-template-name=%q><input id=\"node-input-name\"></script>\n", t)
		fmt.Fprintf(&tpl, "<script type=\"text/html\" data-help-name=%q><p>%s help</p></script>\n", t, t)
	}
	Expect(os.WriteFile(filepath.Join(dir, name+".html"), []byte(tpl.String()), 0o600)).To(Succeed())
}

func writeScript(dir, name, src, nodeType string) {
	GinkgoHelper()
	Expect(os.WriteFile(filepath.Join(dir, name+".js"), []byte(src), 0o600)).To(Succeed())
	tpl := fmt.Sprintf("<script type=\"text/html\" data-template-name=%q></script>\n", nodeType)
	Expect(os.WriteFile(filepath.Join(dir, name+".html"), []byte(tpl), 0o600)).To(Succeed())
}

func summaryOf(n *nodes.Nodes, id string) registry.Summary {
	GinkgoHelper()
	s, ok := n.NodeInfo(id)
	Expect(ok).To(BeTrue(), "node set %s not registered", id)
	return s
}

// blockingHost holds every load until release is closed.
type blockingHost struct {
	started chan struct{}
	release chan struct{}
}

func (h *blockingHost) Runtime() string      { return "blocking" }
func (h *blockingHost) Extensions() []string { return []string{".js"} }

func (h *blockingHost) Load(ctx context.Context, _ *registry.NodeSet, _ *plugin.API) error {
	select {
	case h.started <- struct{}{}:
	default:
	}
	select {
	case <-h.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *blockingHost) Unload(context.Context, string) error { return nil }
func (h *blockingHost) Close(context.Context) error          { return nil }

var _ = Describe("Nodes", func() {
	var (
		ctx  context.Context
		root string
		n    *nodes.Nodes
	)

	newNodes := func(opts ...nodes.Option) *nodes.Nodes {
		created := nodes.New([]scan.Root{{Path: root}}, opts...)
		DeferCleanup(func() { _ = created.Close(context.Background()) })
		return created
	}

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
	})

	Describe("Load", func() {
		It("registers loadable sets and records a missing template", func() {
			writeNodeSet(root, "a", true, "alpha")
			writeNodeSet(root, "b", false)
			n = newNodes()

			Expect(n.Load(ctx)).To(Succeed())
			Expect(n.Ready()).To(BeTrue())

			list := n.List(nil)
			Expect(list).To(HaveLen(2))

			_, ok := n.Constructor("alpha")
			Expect(ok).To(BeTrue())

			b := summaryOf(n, "holoflow/b")
			Expect(b.Err).To(ContainSubstring("does not exist"))
			Expect(b.Loaded).To(BeFalse())
			Expect(b.Types).To(BeEmpty())
		})

		It("keeps the first set in scan order when two declare the same type", func() {
			writeNodeSet(filepath.Join(root, "x"), "inject-a", true, "inject")
			writeNodeSet(filepath.Join(root, "y"), "inject-b", true, "inject")
			n = newNodes()

			Expect(n.Load(ctx)).To(Succeed())

			first := summaryOf(n, "holoflow/inject-a")
			second := summaryOf(n, "holoflow/inject-b")
			Expect(first.Err).To(BeEmpty())
			Expect(first.Loaded).To(BeTrue())
			Expect(second.Err).To(Equal("inject already registered"))

			info, ok := n.NodeInfo("inject")
			Expect(ok).To(BeTrue())
			Expect(info.ID).To(Equal("holoflow/inject-a"))
		})

		It("keeps both sets when equally named files in two directories declare the same type", func() {
			writeNodeSet(filepath.Join(root, "a"), "20-inject", true, "inject")
			writeNodeSet(filepath.Join(root, "b"), "20-inject", true, "inject")
			n = newNodes()

			Expect(n.Load(ctx)).To(Succeed())

			Expect(n.List(nil)).To(HaveLen(2))
			first := summaryOf(n, "holoflow/inject")
			Expect(first.Err).To(BeEmpty())
			Expect(first.Loaded).To(BeTrue())

			second := summaryOf(n, "holoflow/inject#2")
			Expect(second.Name).To(Equal("inject"))
			Expect(second.Err).To(Equal("inject already registered"))
			Expect(second.Loaded).To(BeFalse())

			set, ok := n.NodeInfo("inject")
			Expect(ok).To(BeTrue())
			Expect(set.ID).To(Equal("holoflow/inject"))
		})

		It("records an id clash without a type clash as already loaded", func() {
			writeNodeSet(filepath.Join(root, "a"), "10-util", true, "util-a")
			writeNodeSet(filepath.Join(root, "b"), "10-util", true, "util-b")
			n = newNodes()

			Expect(n.Load(ctx)).To(Succeed())

			Expect(summaryOf(n, "holoflow/util").Loaded).To(BeTrue())
			second := summaryOf(n, "holoflow/util#2")
			Expect(second.Err).To(Equal(filepath.Join(root, "b", "10-util.js") + " already loaded"))
			_, ok := n.Constructor("util-b")
			Expect(ok).To(BeFalse())
		})

		It("isolates a throwing entry point from its siblings", func() {
			for i := range 10 {
				name := fmt.Sprintf("n%d", i)
				if i == 3 {
					writeScript(root, name, `module.exports = function(RED) { throw new Error("boom"); };`, name)
					continue
				}
				writeNodeSet(root, name, true, name)
			}
			n = newNodes(nodes.WithConcurrency(4))

			Expect(n.Load(ctx)).To(Succeed())

			Expect(n.List(registry.HasError)).To(HaveLen(1))
			Expect(n.List(registry.Loaded)).To(HaveLen(9))
			failed := summaryOf(n, "holoflow/n3")
			Expect(failed.Err).To(Equal("Error: boom"))
			Expect(failed.Loaded).To(BeFalse())
			Expect(failed.Enabled).To(BeFalse())
			Expect(summaryOf(n, "holoflow/n4").Enabled).To(BeTrue())
		})

		It("records a timeout on a set whose entry point never settles", func() {
			writeScript(root, "stuck", `module.exports = function(RED) { return new Promise(function() {}); };`, "stuck")
			writeNodeSet(root, "ok", true, "ok")
			n = newNodes(nodes.WithLoadTimeout(50 * time.Millisecond))

			Expect(n.Load(ctx)).To(Succeed())

			Expect(summaryOf(n, "holoflow/stuck").Err).To(Equal("load timed out after 50ms"))
			Expect(summaryOf(n, "holoflow/ok").Loaded).To(BeTrue())
		})

		It("fails without touching the registry when a root cannot be read", func() {
			writeNodeSet(root, "a", true, "alpha")
			n = newNodes()
			Expect(n.Load(ctx)).To(Succeed())

			Expect(os.RemoveAll(root)).To(Succeed())
			err := n.Load(ctx)
			Expect(err).To(HaveOccurred())
			Expect(errutil.HasCode(err, "SCAN_FAILED")).To(BeTrue())

			_, ok := n.Constructor("alpha")
			Expect(ok).To(BeTrue())
		})

		It("rejects a second load while one is running", func() {
			writeNodeSet(root, "slow", true, "slow")
			host := &blockingHost{started: make(chan struct{}, 1), release: make(chan struct{})}
			n = newNodes(nodes.WithHosts(host))

			done := make(chan error, 1)
			go func() { done <- n.Load(ctx) }()
			Eventually(host.started).Should(Receive())

			err := n.Load(ctx)
			Expect(err).To(HaveOccurred())
			Expect(errutil.HasCode(err, "LOAD_IN_PROGRESS")).To(BeTrue())

			close(host.release)
			Eventually(done).Should(Receive(BeNil()))
			Expect(n.Load(ctx)).To(Succeed())
		})

		It("emits registration events", func() {
			writeNodeSet(root, "a", true, "alpha")
			rec := &events.Recorder{}
			n = newNodes(nodes.WithEmitter(rec))

			Expect(n.Load(ctx)).To(Succeed())
			Expect(rec.Named(events.TypeRegistered)).To(ContainElement("alpha"))
		})
	})

	Describe("CombinedConfig", func() {
		It("falls back to the default language help", func() {
			writeNodeSet(root, "a", true, "alpha")
			n = newNodes()
			Expect(n.Load(ctx)).To(Succeed())

			fr := n.CombinedConfig("fr")
			Expect(fr).To(ContainSubstring(`data-template-name="alpha"`))
			Expect(fr).To(ContainSubstring("alpha help"))
			Expect(n.CombinedConfig("fr")).To(Equal(fr))
		})

		It("omits failed and disabled sets", func() {
			writeNodeSet(root, "a", true, "alpha")
			writeNodeSet(root, "b", true, "beta")
			n = newNodes()
			Expect(n.Load(ctx)).To(Succeed())

			_, err := n.SetEnabled(ctx, "holoflow/b", false)
			Expect(err).NotTo(HaveOccurred())
			Expect(n.CombinedConfig("")).NotTo(ContainSubstring("beta"))
			Expect(n.CombinedConfig("")).To(ContainSubstring("alpha"))
		})
	})

	Describe("SetEnabled", func() {
		It("removes and restores constructors", func() {
			writeNodeSet(root, "a", true, "alpha")
			n = newNodes()
			Expect(n.Load(ctx)).To(Succeed())

			s, err := n.SetEnabled(ctx, "holoflow/a", false)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Enabled).To(BeFalse())
			_, ok := n.Constructor("alpha")
			Expect(ok).To(BeFalse())

			_, err = n.SetEnabled(ctx, "holoflow/a", true)
			Expect(err).NotTo(HaveOccurred())
			_, ok = n.Constructor("alpha")
			Expect(ok).To(BeTrue())
		})

		It("is rejected while a load cycle runs", func() {
			writeNodeSet(root, "slow", true, "slow")
			host := &blockingHost{started: make(chan struct{}, 1), release: make(chan struct{})}
			n = newNodes(nodes.WithHosts(host))

			done := make(chan error, 1)
			go func() { done <- n.Load(ctx) }()
			Eventually(host.started).Should(Receive())

			_, err := n.SetEnabled(ctx, "holoflow/slow", false)
			Expect(errutil.HasCode(err, "LOAD_IN_PROGRESS")).To(BeTrue())

			close(host.release)
			Eventually(done).Should(Receive(BeNil()))
			_, err = n.SetEnabled(ctx, "holoflow/slow", false)
			Expect(err).NotTo(HaveOccurred())
		})

		It("fails for an unknown set", func() {
			n = newNodes()
			Expect(n.Load(ctx)).To(Succeed())

			_, err := n.SetEnabled(ctx, "holoflow/nope", true)
			Expect(errutil.HasCode(err, "UNKNOWN_NODE_SET")).To(BeTrue())
		})
	})

	Describe("persistence", func() {
		var store *settings.Memory

		BeforeEach(func() {
			store = settings.NewMemory()
		})

		It("restores disabled flags and loads a set when it is enabled", func() {
			writeNodeSet(root, "a", true, "alpha")
			first := newNodes(nodes.WithSettings(store))
			Expect(first.Load(ctx)).To(Succeed())
			_, err := first.SetEnabled(ctx, "holoflow/a", false)
			Expect(err).NotTo(HaveOccurred())

			second := newNodes(nodes.WithSettings(store))
			Expect(second.Load(ctx)).To(Succeed())

			a := summaryOf(second, "holoflow/a")
			Expect(a.Enabled).To(BeFalse())
			Expect(a.Loaded).To(BeFalse())
			_, ok := second.Constructor("alpha")
			Expect(ok).To(BeFalse())

			a, err = second.SetEnabled(ctx, "holoflow/a", true)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Loaded).To(BeTrue())
			_, ok = second.Constructor("alpha")
			Expect(ok).To(BeTrue())
		})

		It("lists a persisted set whose files are gone as missing", func() {
			writeNodeSet(root, "a", true, "alpha")
			writeNodeSet(root, "b", true, "beta")
			n = newNodes(nodes.WithSettings(store))
			Expect(n.Load(ctx)).To(Succeed())

			Expect(os.Remove(filepath.Join(root, "b.js"))).To(Succeed())
			Expect(os.Remove(filepath.Join(root, "b.html"))).To(Succeed())
			Expect(n.Load(ctx)).To(Succeed())

			missing := n.List(registry.Missing)
			Expect(missing).To(HaveLen(1))
			Expect(missing[0].ID).To(Equal("holoflow/b"))
			Expect(missing[0].Enabled).To(BeTrue())
			Expect(missing[0].Loaded).To(BeFalse())
			Expect(missing[0].Err).To(BeEmpty())

			_, ok := n.Constructor("beta")
			Expect(ok).To(BeFalse())
		})

		It("retries a set that failed to load on the next cycle", func() {
			writeScript(root, "flaky", `module.exports = function(RED) { throw new Error("boom"); };`, "flaky")
			n = newNodes(nodes.WithSettings(store))
			Expect(n.Load(ctx)).To(Succeed())
			Expect(summaryOf(n, "holoflow/flaky").Enabled).To(BeFalse())

			writeNodeSet(root, "flaky", true, "flaky")
			Expect(n.Load(ctx)).To(Succeed())

			flaky := summaryOf(n, "holoflow/flaky")
			Expect(flaky.Err).To(BeEmpty())
			Expect(flaky.Enabled).To(BeTrue())
			Expect(flaky.Loaded).To(BeTrue())
		})

		It("loads with every set enabled when the store is unavailable", func() {
			writeNodeSet(root, "a", true, "alpha")
			n = newNodes(nodes.WithSettings(settings.Unavailable))

			Expect(n.Load(ctx)).To(Succeed())
			Expect(summaryOf(n, "holoflow/a").Enabled).To(BeTrue())
		})

		It("ignores a malformed persisted list", func() {
			Expect(store.Set(ctx, settings.NodesKey, []byte(`[1,2,3]`))).To(Succeed())
			writeNodeSet(root, "a", true, "alpha")
			n = newNodes(nodes.WithSettings(store))

			Expect(n.Load(ctx)).To(Succeed())
			Expect(summaryOf(n, "holoflow/a").Loaded).To(BeTrue())
		})
	})

	Describe("ModuleInfo", func() {
		It("groups sets under their manifest module", func() {
			mod := filepath.Join(root, "extras")
			Expect(os.MkdirAll(mod, 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(mod, scan.ManifestFile),
				[]byte("name: extras\nversion: 1.4.0\n"), 0o600)).To(Succeed())
			writeNodeSet(mod, "gamma", true, "gamma")
			writeNodeSet(root, "a", true, "alpha")
			n = newNodes(nodes.WithCoreModule("holoflow", "0.1.0"))

			Expect(n.Load(ctx)).To(Succeed())
			Expect(n.Modules()).To(Equal([]string{"extras", "holoflow"}))

			info, ok := n.ModuleInfo("extras")
			Expect(ok).To(BeTrue())
			Expect(info.Version).To(Equal("1.4.0"))
			Expect(info.Nodes).To(HaveLen(1))
			Expect(info.Nodes[0].ID).To(Equal("extras/gamma"))
		})
	})

	Describe("bundled node library", func() {
		It("loads every bundled node type", func() {
			rec := &events.Recorder{}
			lib := nodes.New([]scan.Root{{Path: filepath.Join("..", "..", "nodes")}},
				nodes.WithCoreModule("holoflow", "1.0.0"),
				nodes.WithEmitter(rec))
			DeferCleanup(func() { _ = lib.Close(context.Background()) })

			Expect(lib.Load(ctx)).To(Succeed())
			Expect(lib.List(registry.HasError)).To(BeEmpty())
			for _, t := range []string{"inject", "debug", "template", "delay"} {
				_, ok := lib.Constructor(t)
				Expect(ok).To(BeTrue(), "constructor for %s", t)
			}
			Expect(rec.Named("extras-ready")).To(ConsistOf("1.0.0"))

			info, ok := lib.ModuleInfo("holoflow-extras")
			Expect(ok).To(BeTrue())
			Expect(info.Version).To(Equal("0.3.0"))

			Expect(lib.CombinedConfig("fr")).To(ContainSubstring("Injecte un message"))
			Expect(lib.CombinedConfig("en-US")).To(ContainSubstring("Injects a message"))
		})

		It("runs the Lua template node", func() {
			lib := nodes.New([]scan.Root{{Path: filepath.Join("..", "..", "nodes")}})
			DeferCleanup(func() { _ = lib.Close(context.Background()) })
			Expect(lib.Load(ctx)).To(Succeed())

			ctor, ok := lib.Constructor("template")
			Expect(ok).To(BeTrue())
			tpl, err := ctor.New(ctx, node.Config{Props: map[string]any{"template": "{{topic}}: {{payload}}"}})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { _ = tpl.Close(context.Background()) })

			out, err := tpl.Receive(ctx, node.Message{"topic": "t", "payload": "hello"})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveLen(1))
			Expect(out[0]["payload"]).To(Equal("t: hello"))
		})
	})
})
