// Package turn runs an embedded TURN relay for peers that cannot reach each
// other directly.
package turn

import (
	"errors"
	"fmt"
	"net"
	"regexp"

	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/config"
)

var userPair = regexp.MustCompile(`(\w+)=(\w+)`)

type Server struct {
	server   *turn.Server
	cfg      config.TURN
	username string
	password string
}

// ParseUsers turns "user=pass,user2=pass2" into TURN long-term keys.
func ParseUsers(users, realm string) (map[string][]byte, [][2]string) {
	keys := map[string][]byte{}
	var pairs [][2]string
	for _, kv := range userPair.FindAllStringSubmatch(users, -1) {
		keys[kv[1]] = turn.GenerateAuthKey(kv[1], realm, kv[2])
		pairs = append(pairs, [2]string{kv[1], kv[2]})
	}
	return keys, pairs
}

func Start(cfg config.TURN) (*Server, error) {
	keys, pairs := ParseUsers(cfg.Users, cfg.Realm)
	if len(pairs) == 0 {
		return nil, errors.New("turn: no users configured")
	}
	publicIP := net.ParseIP(cfg.PublicIP)
	if publicIP == nil {
		return nil, fmt.Errorf("turn: bad public ip %q", cfg.PublicIP)
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("turn: listen: %w", err)
	}

	s, err := turn.NewServer(turn.ServerConfig{
		Realm: cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := keys[username]
			if !ok {
				log.Debug().Str("module", "turn").Str("user", username).Str("src", srcAddr.String()).Msg("unknown user")
			}
			return key, ok
		},
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn: conn,
			RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
				RelayAddress: publicIP,
				Address:      "0.0.0.0",
			},
		}},
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("turn: %w", err)
	}
	log.Info().Str("module", "turn").Int("port", cfg.Port).Str("realm", cfg.Realm).Msg("TURN server listening")
	return &Server{server: s, cfg: cfg, username: pairs[0][0], password: pairs[0][1]}, nil
}

// ICEServer describes this relay for peer connection configs.
func (s *Server) ICEServer() webrtc.ICEServer {
	return webrtc.ICEServer{
		URLs:       []string{fmt.Sprintf("turn:%s:%d?transport=udp", s.cfg.PublicIP, s.cfg.Port)},
		Username:   s.username,
		Credential: s.password,
	}
}

func (s *Server) Close() error {
	return s.server.Close()
}
