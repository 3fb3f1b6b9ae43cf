package queue

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/connection"
	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

// session keeps one usable channel with the topology ensured on it. It is
// the single recovery path shared by Producer, Consumer and BatchConsumer.
type session struct {
	conn     *connection.Connection
	topology *Topology
	role     string
	ch       connection.Channel
}

func newSession(conn *connection.Connection, params Params, role string) (*session, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: nil connection", connection.ErrConfiguration)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &session{
		conn:     conn,
		topology: NewTopology(params),
		role:     role,
	}, nil
}

func (s *session) params() Params {
	return s.topology.params
}

// channel returns the current channel if it is open, and, when checkReady is
// set, if the topology passes a passive check. Otherwise it recovers.
func (s *session) channel(checkReady bool) (connection.Channel, error) {
	if s.ch != nil && !s.ch.IsClosed() {
		if !checkReady || s.topology.IsReady(s.ch) {
			return s.ch, nil
		}
	}
	return s.recover()
}

// recover discards the current channel, reconnects if the connection is
// down, opens a new channel and ensures the topology on it. A failure to
// obtain a channel after reconnecting is escalated to ErrConnection.
func (s *session) recover() (connection.Channel, error) {
	s.discard()

	if !s.conn.IsOpen() {
		logger.LogWarn("Connection is closed, reconnecting",
			zap.String("role", s.role),
			zap.String("queue", s.params().QueueName),
		)
		if err := s.conn.Reconnect(); err != nil {
			return nil, err
		}
	}

	ch, err := connection.CreateChannel(s.conn)
	if err != nil {
		if errors.Is(err, connection.ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: %w", connection.ErrConnection, err)
		}
		return nil, err
	}

	if err := s.topology.Ensure(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}

	s.ch = ch
	logger.LogDebug("Channel ready",
		zap.String("role", s.role),
		zap.String("queue", s.params().QueueName),
	)

	return ch, nil
}

func (s *session) discard() {
	if s.ch != nil {
		if !s.ch.IsClosed() {
			_ = s.ch.Close()
		}
		s.ch = nil
	}
}

func (s *session) close() error {
	s.discard()
	return nil
}
