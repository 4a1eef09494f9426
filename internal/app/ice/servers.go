/*
Package ice produces the ICE server list clients use to set up their peer connection.

Servers come from ICE_SERVERS_JSON, or from the STUN_URLS / TURN_URLS convenience variables.
With a TURN shared secret configured, every response carries freshly minted, short-lived
TURN credentials instead of static ones.
*/
package ice

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUNURL is served when nothing is configured.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

// serverEntry accepts "urls" as a single string or a list, as browsers do.
type serverEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = urlList{one}
		return nil
	}

	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or a list of strings")
	}
	*u = many
	return nil
}

// ParseServersJSON parses an RTCIceServer-style JSON array.
// requireTURNCreds is false when credentials are minted per request.
func ParseServersJSON(raw string, requireTURNCreds bool) ([]webrtc.ICEServer, error) {
	var entries []serverEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("ICE_SERVERS_JSON: %w", err)
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := webrtc.ICEServer{
			URLs:     trimAll(entry.URLs),
			Username: strings.TrimSpace(entry.Username),
		}
		if strings.TrimSpace(entry.Credential) != "" {
			server.Credential = entry.Credential
		}

		if err := validate(server, requireTURNCreds); err != nil {
			return nil, fmt.Errorf("ICE_SERVERS_JSON[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

// ServersFromURLs builds at most one STUN and one TURN entry from comma-separated URL lists.
func ServersFromURLs(stunURLs, turnURLs, username, credential string, requireTURNCreds bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitURLs(stunURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validate(server, requireTURNCreds); err != nil {
			return nil, fmt.Errorf("STUN_URLS: %w", err)
		}
		servers = append(servers, server)
	}

	if urls := splitURLs(turnURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(username)}
		if c := strings.TrimSpace(credential); c != "" {
			server.Credential = c
		}
		if err := validate(server, requireTURNCreds); err != nil {
			return nil, fmt.Errorf("TURN_URLS: %w", err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func validate(server webrtc.ICEServer, requireTURNCreds bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	turn := false
	for _, url := range server.URLs {
		if url == "" {
			return errors.New("empty url")
		}

		switch {
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			turn = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	if turn && requireTURNCreds {
		if server.Username == "" {
			return errors.New("turn urls require a username")
		}
		if cred, _ := server.Credential.(string); cred == "" {
			return errors.New("turn urls require a credential")
		}
	}

	return nil
}

func isTURN(server webrtc.ICEServer) bool {
	for _, url := range server.URLs {
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

func splitURLs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func trimAll(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		if url = strings.TrimSpace(url); url != "" {
			out = append(out, url)
		}
	}
	return out
}
