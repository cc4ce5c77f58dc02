package p2p

import (
	"fmt"
	"log"
	"net"
	"net/textproto"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"peerchat/internal/protocol"
)

const (
	torSOCKSAddr   = "127.0.0.1:9050"
	torControlAddr = "127.0.0.1:9051"
	torProbeWait   = 2 * time.Second
)

// TorAvailable probes the local SOCKS port to decide whether a Tor backend
// is running.
func TorAvailable() bool {
	conn, err := net.DialTimeout("tcp", torSOCKSAddr, torProbeWait)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// SOCKSDialer returns a dialer that routes through the local Tor SOCKS
// proxy.
func SOCKSDialer() (proxy.Dialer, error) {
	return proxy.SOCKS5("tcp", torSOCKSAddr, nil, proxy.Direct)
}

// HiddenService is an ephemeral v3 onion service created over the Tor
// control port. The key stays inside Tor (DiscardPK); the service vanishes
// when the control connection closes.
type HiddenService struct {
	ctrl      *textproto.Conn
	serviceID string
	onion     string
}

// StartHiddenService publishes local port protocol.DefaultHiddenPort as an
// onion service on the same virtual port.
func StartHiddenService() (*HiddenService, error) {
	raw, err := net.DialTimeout("tcp", torControlAddr, torProbeWait)
	if err != nil {
		return nil, fmt.Errorf("tor control port unreachable: %w", err)
	}
	ctrl := textproto.NewConn(raw)

	if err := controlCmd(ctrl, `AUTHENTICATE ""`); err != nil {
		_ = ctrl.Close()
		return nil, fmt.Errorf("tor authenticate: %w", err)
	}

	cmd := fmt.Sprintf("ADD_ONION NEW:ED25519-V3 Flags=DiscardPK Port=%d,127.0.0.1:%d",
		protocol.DefaultHiddenPort, protocol.DefaultHiddenPort)
	id, err := ctrl.Cmd("%s", cmd)
	if err != nil {
		_ = ctrl.Close()
		return nil, fmt.Errorf("tor add_onion: %w", err)
	}
	ctrl.StartResponse(id)
	defer ctrl.EndResponse(id)
	var serviceID string
	for {
		line, err := ctrl.ReadLine()
		if err != nil {
			_ = ctrl.Close()
			return nil, fmt.Errorf("tor add_onion reply: %w", err)
		}
		if strings.HasPrefix(line, "250-ServiceID=") {
			serviceID = strings.TrimPrefix(line, "250-ServiceID=")
			continue
		}
		if strings.HasPrefix(line, "250 ") {
			break
		}
		if strings.HasPrefix(line, "5") {
			_ = ctrl.Close()
			return nil, fmt.Errorf("tor refused add_onion: %s", line)
		}
	}
	if serviceID == "" {
		_ = ctrl.Close()
		return nil, fmt.Errorf("tor reply carried no service id")
	}
	hs := &HiddenService{
		ctrl:      ctrl,
		serviceID: serviceID,
		onion:     serviceID + ".onion",
	}
	log.Printf("[p2p] hidden service ready: %s:%d", hs.onion, protocol.DefaultHiddenPort)
	return hs, nil
}

// Onion returns the published address, without the port.
func (hs *HiddenService) Onion() string {
	return hs.onion
}

// Stop removes the onion service and closes the control connection.
func (hs *HiddenService) Stop() {
	if hs.ctrl == nil {
		return
	}
	if err := controlCmd(hs.ctrl, "DEL_ONION "+hs.serviceID); err != nil {
		log.Printf("[p2p] del_onion: %v", err)
	}
	_ = hs.ctrl.Close()
	hs.ctrl = nil
}

func controlCmd(ctrl *textproto.Conn, cmd string) error {
	id, err := ctrl.Cmd("%s", cmd)
	if err != nil {
		return err
	}
	ctrl.StartResponse(id)
	defer ctrl.EndResponse(id)
	line, err := ctrl.ReadLine()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "250") {
		return fmt.Errorf("unexpected reply: %s", line)
	}
	return nil
}
