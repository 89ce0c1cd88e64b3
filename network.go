package fleetagent

import (
	"time"

	"github.com/rs/zerolog/log"
)

const (
	tcpConnectAttempts = 3
	tcpConnectBackoff  = 5 * time.Second
)

// ConnectToTCPDevice force-allocates the network device at hostPort (e.g.
// "10.0.0.5:5555"), establishes the transport session, and waits for it to
// answer. Returns nil when the device never comes online; the allocation is
// released with an ignore-outcome in that case.
func (m *Manager) ConnectToTCPDevice(hostPort string) (*DeviceRecord, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	connector, ok := m.transport.(Connector)
	if !ok {
		return nil, NewConfigError("transport does not support network devices")
	}
	rec := m.registry.ForceAllocate(hostPort)
	if rec == nil {
		return nil, nil
	}
	if m.dialWithRetry(connector, hostPort) {
		if err := m.transport.WaitForResponsive(hostPort, m.adapter.checkTimeout); err == nil {
			m.registry.SetConnectivity(rec, ConnOnline)
			return rec, nil
		}
		log.Warn().Str("serial", hostPort).Msg("network device connected but did not come online")
	}
	m.registry.Free(rec, FreeIgnore)
	return nil, nil
}

func (m *Manager) dialWithRetry(connector Connector, hostPort string) bool {
	for attempt := 1; attempt <= tcpConnectAttempts; attempt++ {
		err := connector.Connect(hostPort)
		if err == nil {
			return true
		}
		log.Warn().
			Err(err).
			Str("serial", hostPort).
			Int("attempt", attempt).
			Int("max_attempts", tcpConnectAttempts).
			Msg("connect to network device failed")
		if attempt < tcpConnectAttempts {
			time.Sleep(tcpConnectBackoff)
		}
	}
	return false
}

// DisconnectFromTCPDevice tears down the transport session for a network
// device and frees it with an ignore-outcome.
func (m *Manager) DisconnectFromTCPDevice(rec *DeviceRecord) error {
	if err := m.checkInit(); err != nil {
		return err
	}
	if rec == nil {
		return NewConfigError("cannot disconnect nil device record")
	}
	serial := rec.Serial()
	log.Info().Str("serial", serial).Msg("disconnecting and freeing network device")
	if connector, ok := m.transport.(Connector); ok {
		if err := connector.Disconnect(serial); err != nil {
			log.Warn().Err(err).Str("serial", serial).Msg("network device disconnect failed")
		}
	}
	m.registry.Free(rec, FreeIgnore)
	return nil
}
