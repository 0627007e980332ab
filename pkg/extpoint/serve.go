package extpoint

import goplugin "github.com/hashicorp/go-plugin"

// Serve is what every extension binary's main() calls with its Plugin
// implementation; it blocks until the host disconnects. It never returns
// under normal operation — the process only ever exits via the host
// killing it.
func Serve(p Plugin) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         pluginMap(p),
		GRPCServer:      goplugin.DefaultGRPCServer,
	})
}
