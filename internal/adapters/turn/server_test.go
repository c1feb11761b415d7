package turn

import (
	"bytes"
	"testing"

	"github.com/pion/turn/v4"

	"github.com/dkeye/Proctor/internal/config"
)

func TestParseUsers(t *testing.T) {
	keys, pairs := ParseUsers("proctor=secret, admin=hunter2", "exam")
	if len(pairs) != 2 || pairs[0] != [2]string{"proctor", "secret"} {
		t.Fatalf("pairs = %v", pairs)
	}
	if !bytes.Equal(keys["admin"], turn.GenerateAuthKey("admin", "exam", "hunter2")) {
		t.Fatal("wrong key for admin")
	}
}

func TestStartRequiresUsers(t *testing.T) {
	if _, err := Start(config.TURN{Port: 0, Realm: "exam", PublicIP: "127.0.0.1"}); err == nil {
		t.Fatal("started without users")
	}
}

func TestICEServer(t *testing.T) {
	s, err := Start(config.TURN{Port: 0, Realm: "exam", PublicIP: "127.0.0.1", Users: "proctor=secret"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()
	ice := s.ICEServer()
	if ice.Username != "proctor" || ice.Credential != "secret" || len(ice.URLs) != 1 {
		t.Fatalf("ice server = %+v", ice)
	}
}
