package ice

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"pairup/internal/configs"
	"pairup/internal/pkg/logx"
)

// Config is the body served to clients. TTL is set, in seconds, when the TURN credentials
// in ICEServers expire.
type Config struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	TTL        int64              `json:"ttl,omitempty"`
}

// Provider builds Config values from the configured server list.
type Provider struct {
	servers []webrtc.ICEServer
	minter  *CredentialMinter
}

// NewProvider validates the ICE settings in cfg.
func NewProvider(cfg *configs.AppConfig) (*Provider, error) {
	p := &Provider{}

	if cfg.TURNSharedSecret != "" {
		minter, err := NewCredentialMinter(cfg.TURNSharedSecret, cfg.TURNCredentialTTL, cfg.TURNUsernamePrefix)
		if err != nil {
			return nil, err
		}
		p.minter = minter
	}

	requireCreds := p.minter == nil

	var err error
	if strings.TrimSpace(cfg.ICEServersJSON) != "" {
		p.servers, err = ParseServersJSON(cfg.ICEServersJSON, requireCreds)
	} else {
		p.servers, err = ServersFromURLs(cfg.STUNURLs, cfg.TURNURLs, cfg.TURNUsername, cfg.TURNCredential, requireCreds)
	}
	if err != nil {
		return nil, err
	}

	if len(p.servers) == 0 {
		p.servers = []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
	}

	if p.minter != nil && !p.hasTURN() {
		logx.Warn("TURN_SHARED_SECRET is set but no TURN server is configured.")
	}

	return p, nil
}

func (p *Provider) hasTURN() bool {
	for _, s := range p.servers {
		if isTURN(s) {
			return true
		}
	}
	return false
}

// Config returns the servers to hand out now, with fresh TURN credentials when a shared
// secret is configured.
func (p *Provider) Config() (Config, error) {
	out := make([]webrtc.ICEServer, len(p.servers))
	for i, s := range p.servers {
		s.URLs = append([]string(nil), s.URLs...)
		out[i] = s
	}

	if p.minter == nil || !p.hasTURN() {
		return Config{ICEServers: out}, nil
	}

	creds, err := p.minter.Mint()
	if err != nil {
		return Config{}, err
	}

	for i := range out {
		if isTURN(out[i]) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}

	return Config{ICEServers: out, TTL: int64(p.minter.TTL().Seconds())}, nil
}
