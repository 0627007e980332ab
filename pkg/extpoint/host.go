package extpoint

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	goplugin "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Handshake is the cookie pair every extension binary and the host must
// agree on before a connection is trusted; it is not a security boundary
// (go-plugin documents it as a handshake, not an auth check), only a
// guard against accidentally exec'ing an unrelated program.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PROSE_CORE_PLUGIN",
	MagicCookieValue: "prose-core-client",
}

// pluginMap is handed to goplugin.ClientConfig/ServeConfig on both ends;
// "plugin" is the single well-known dispense key this host ever uses.
func pluginMap(impl Plugin) map[string]goplugin.Plugin {
	return map[string]goplugin.Plugin{"plugin": &bridgePlugin{impl: impl}}
}

// bridgePlugin is the goplugin.GRPCPlugin adapter shared by both sides of
// the connection: on the extension binary it wraps impl and serves the
// Dispatch service described in rpc.go; on the host it is dispensed into a
// *pluginHandle that calls back into that same service.
type bridgePlugin struct {
	goplugin.Plugin
	impl Plugin
}

func (b *bridgePlugin) GRPCServer(broker *goplugin.GRPCBroker, s *grpc.Server) error {
	s.RegisterService(dispatchServiceDesc(pluginDispatch(b.impl, broker)), nil)
	return nil
}

func (b *bridgePlugin) GRPCClient(_ context.Context, broker *goplugin.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return &pluginHandle{dispatchClient: dispatchClient{cc: c}, broker: broker}, nil
}

// pluginDispatch answers the host's Name/Version/Description/Init/Start/Stop
// calls against the real Plugin implementation living in this process.
func pluginDispatch(impl Plugin, broker *goplugin.GRPCBroker) dispatchFunc {
	return func(ctx context.Context, op string, args []byte) (any, error) {
		switch op {
		case "Name":
			return impl.Name(), nil
		case "Version":
			return impl.Version(), nil
		case "Description":
			return impl.Description(), nil
		case "Init":
			var req struct {
				APIBrokerID uint32
			}
			if err := unmarshalArgs(args, &req); err != nil {
				return nil, err
			}
			conn, err := broker.DialWithOptions(req.APIBrokerID, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
			if err != nil {
				return nil, fmt.Errorf("extpoint: dialing host API broker: %w", err)
			}
			rapi := newRemoteAPI(conn)
			go rapi.watch(context.Background())
			return nil, impl.Init(ctx, rapi)
		case "Start":
			return nil, impl.Start()
		case "Stop":
			return nil, impl.Stop()
		default:
			return nil, fmt.Errorf("extpoint: unknown plugin op %q", op)
		}
	}
}

func unmarshalArgs(args []byte, out any) error {
	return jsonUnmarshal(args, out)
}

// pluginHandle is the host-side view of a loaded extension: every method
// is a round trip through the Dispatch service registered by bridgePlugin
// on the other end of the connection.
type pluginHandle struct {
	dispatchClient
	broker *goplugin.GRPCBroker
}

func (p *pluginHandle) name(ctx context.Context) (string, error) {
	var out string
	err := p.call(ctx, "Name", nil, &out)
	return out, err
}

func (p *pluginHandle) version(ctx context.Context) (string, error) {
	var out string
	err := p.call(ctx, "Version", nil, &out)
	return out, err
}

func (p *pluginHandle) description(ctx context.Context) (string, error) {
	var out string
	err := p.call(ctx, "Description", nil, &out)
	return out, err
}

func (p *pluginHandle) start(ctx context.Context) error {
	return p.call(ctx, "Start", nil, nil)
}

func (p *pluginHandle) stop(ctx context.Context) error {
	return p.call(ctx, "Stop", nil, nil)
}

// init dials a fresh broker id for the API service, serves it with srv,
// and tells the extension process which id to dial back.
func (p *pluginHandle) init(ctx context.Context, srv func(opts []grpc.ServerOption) *grpc.Server) error {
	id := p.broker.NextId()
	go p.broker.AcceptAndServe(id, srv)
	return p.call(ctx, "Init", struct {
		APIBrokerID uint32 `json:"api_broker_id"`
	}{id}, nil)
}

// LoadedPlugin is one running extension: its process handle, its dispense
// handle, and the metadata it reported at load time.
type LoadedPlugin struct {
	Name        string
	Version     string
	Description string
	Running     bool

	client *goplugin.Client
	handle *pluginHandle
}

// Host manages the lifecycle of every extension binary under one
// directory: discovery, load, start, stop, and the API + event fanout
// every loaded plugin is handed at Init time.
type Host struct {
	mu        sync.Mutex
	pluginDir string
	api       API
	plugins   map[string]*LoadedPlugin

	subMu       sync.Mutex
	subscribers []func(eventEnvelope) error
}

// NewHost builds a host that will look for extension binaries under
// pluginDir and hand each one api as its callback surface.
func NewHost(pluginDir string, api API) *Host {
	return &Host{pluginDir: pluginDir, api: api, plugins: make(map[string]*LoadedPlugin)}
}

// LoadAll discovers every executable regular file directly under the
// host's plugin directory and loads it; a single bad extension does not
// stop the rest from loading.
func (h *Host) LoadAll() error {
	entries, err := os.ReadDir(h.pluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("extpoint: reading plugin dir: %w", err)
	}
	var firstErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		if err := h.Load(filepath.Join(h.pluginDir, e.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Load launches the binary at path, performs its handshake, registers the
// host's API service for it to call back into, and records it by the name
// it reports. It does not Start the plugin.
func (h *Host) Load(path string) error {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          pluginMap(nil),
		Cmd:              exec.Command(path),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolGRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("extpoint: handshaking with %s: %w", path, err)
	}
	raw, err := rpcClient.Dispense("plugin")
	if err != nil {
		client.Kill()
		return fmt.Errorf("extpoint: dispensing %s: %w", path, err)
	}
	handle := raw.(*pluginHandle)

	ctx := context.Background()
	name, err := handle.name(ctx)
	if err != nil {
		client.Kill()
		return fmt.Errorf("extpoint: querying name of %s: %w", path, err)
	}
	version, _ := handle.version(ctx)
	description, _ := handle.description(ctx)

	if err := handle.init(ctx, h.serveAPI); err != nil {
		client.Kill()
		return fmt.Errorf("extpoint: initializing %s: %w", name, err)
	}

	h.mu.Lock()
	h.plugins[name] = &LoadedPlugin{Name: name, Version: version, Description: description, client: client, handle: handle}
	h.mu.Unlock()
	return nil
}

// serveAPI is handed to the broker for every Init call: it registers both
// the unary Dispatch service (ContactsAPI/ChatAPI/UIAPI/CommandsAPI calls
// from the extension) and the Events stream service (push fanout to it).
func (h *Host) serveAPI(opts []grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	s.RegisterService(dispatchServiceDesc(h.apiDispatch), nil)
	s.RegisterService(eventsServiceDesc(h.onSubscribe), nil)
	return s
}

func (h *Host) onSubscribe(ctx context.Context, send func(eventEnvelope) error) error {
	h.subMu.Lock()
	idx := len(h.subscribers)
	h.subscribers = append(h.subscribers, send)
	h.subMu.Unlock()

	<-ctx.Done()

	h.subMu.Lock()
	h.subscribers[idx] = nil
	h.subMu.Unlock()
	return ctx.Err()
}

// apiDispatch answers every ContactsAPI/ChatAPI/UIAPI/CommandsAPI call an
// extension makes against the host's live API implementation.
func (h *Host) apiDispatch(_ context.Context, op string, args []byte) (any, error) {
	switch op {
	case "GetContacts":
		return h.api.GetContacts(), nil
	case "GetContact":
		var jidStr string
		if err := unmarshalArgs(args, &jidStr); err != nil {
			return nil, err
		}
		return h.api.GetContact(jidStr), nil
	case "GetPresence":
		var jidStr string
		if err := unmarshalArgs(args, &jidStr); err != nil {
			return nil, err
		}
		return h.api.GetPresence(jidStr), nil
	case "SendMessage":
		var req struct{ To, Body string }
		if err := unmarshalArgs(args, &req); err != nil {
			return nil, err
		}
		return nil, h.api.SendMessage(req.To, req.Body)
	case "GetHistory":
		var req struct {
			JID   string
			Limit int
		}
		if err := unmarshalArgs(args, &req); err != nil {
			return nil, err
		}
		return h.api.GetHistory(req.JID, req.Limit), nil
	case "GetUnreadCount":
		var jidStr string
		if err := unmarshalArgs(args, &jidStr); err != nil {
			return nil, err
		}
		return h.api.GetUnreadCount(jidStr), nil
	case "ShowNotification":
		var req struct{ Title, Body string }
		if err := unmarshalArgs(args, &req); err != nil {
			return nil, err
		}
		return nil, h.api.ShowNotification(req.Title, req.Body)
	case "AddStatusBarItem":
		var req struct{ ID, Text string }
		if err := unmarshalArgs(args, &req); err != nil {
			return nil, err
		}
		return nil, h.api.AddStatusBarItem(req.ID, req.Text)
	case "RemoveStatusBarItem":
		var id string
		if err := unmarshalArgs(args, &id); err != nil {
			return nil, err
		}
		return nil, h.api.RemoveStatusBarItem(id)
	case "RegisterCommand", "UnregisterCommand":
		// Commands stay host-side only; an extension that wants to expose a
		// command registers it through its own process's CLI flags instead
		// of round-tripping the name through the broker.
		return nil, nil
	default:
		return nil, fmt.Errorf("extpoint: unknown api op %q", op)
	}
}

// Broadcast* push one account-level event to every subscribed extension.
// A send failure just drops that subscriber; it does not affect the
// others or the caller.
func (h *Host) broadcast(ev eventEnvelope) {
	h.subMu.Lock()
	subs := append([]func(eventEnvelope) error{}, h.subscribers...)
	h.subMu.Unlock()
	for _, send := range subs {
		if send == nil {
			continue
		}
		_ = send(ev)
	}
}

func (h *Host) BroadcastMessage(msg Message) { h.broadcast(eventEnvelope{Kind: "message", Message: &msg}) }
func (h *Host) BroadcastPresence(jid, status string) {
	h.broadcast(eventEnvelope{Kind: "presence", PresenceJID: jid, PresenceStatus: status})
}
func (h *Host) BroadcastConnect()    { h.broadcast(eventEnvelope{Kind: "connect"}) }
func (h *Host) BroadcastDisconnect() { h.broadcast(eventEnvelope{Kind: "disconnect"}) }

// Start runs one loaded extension's Start hook.
func (h *Host) Start(name string) error {
	h.mu.Lock()
	lp, ok := h.plugins[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("extpoint: no loaded plugin named %q", name)
	}
	if err := lp.handle.start(context.Background()); err != nil {
		return err
	}
	h.mu.Lock()
	lp.Running = true
	h.mu.Unlock()
	return nil
}

// Stop runs one loaded extension's Stop hook; the process stays alive so
// it can be Started again.
func (h *Host) Stop(name string) error {
	h.mu.Lock()
	lp, ok := h.plugins[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("extpoint: no loaded plugin named %q", name)
	}
	if err := lp.handle.stop(context.Background()); err != nil {
		return err
	}
	h.mu.Lock()
	lp.Running = false
	h.mu.Unlock()
	return nil
}

// Unload stops the extension if running and kills its process.
func (h *Host) Unload(name string) error {
	h.mu.Lock()
	lp, ok := h.plugins[name]
	if ok {
		delete(h.plugins, name)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("extpoint: no loaded plugin named %q", name)
	}
	if lp.Running {
		_ = lp.handle.stop(context.Background())
	}
	lp.client.Kill()
	return nil
}

// UnloadAll tears every loaded extension down; used on account shutdown.
func (h *Host) UnloadAll() {
	h.mu.Lock()
	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	h.mu.Unlock()
	for _, name := range names {
		_ = h.Unload(name)
	}
}

// List reports every currently loaded extension's name.
func (h *Host) List() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		out = append(out, name)
	}
	return out
}

// Get returns the loaded extension by name, if any.
func (h *Host) Get(name string) (*LoadedPlugin, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lp, ok := h.plugins[name]
	return lp, ok
}
