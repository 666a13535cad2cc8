package main

import "github.com/matst80/echod/internal/server"

// toTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func toTemplateMap(st server.Stats) map[string]any {
	protocols := ""
	switch {
	case st.TCPEnabled && st.UDPEnabled:
		protocols = "tcp+udp"
	case st.TCPEnabled:
		protocols = "tcp"
	case st.UDPEnabled:
		protocols = "udp"
	}
	return map[string]any{
		"Active":    st.Active,
		"Max":       st.MaxConnections,
		"Accepted":  st.Accepted,
		"Rejected":  st.Rejected,
		"Datagrams": st.Datagrams,
		"TCPBytes":  st.TCPBytes,
		"UDPBytes":  st.UDPBytes,
		"Protocols": protocols,
		"Ready":     st.Ready,
	}
}
