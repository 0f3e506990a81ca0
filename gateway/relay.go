package gateway

import (
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"go.uber.org/zap"

	"github.com/luma/sngate/protocol"
	"github.com/luma/sngate/transport"
)

// handleUpstream routes a broker event to the session that owns the
// connection. Events from a connection the session has since replaced are
// dropped.
func (d *Dispatcher) handleUpstream(ev transport.UpstreamEvent) {
	s, ok := d.sessions[ev.Key]
	if !ok || s.upstream != ev.Conn {
		d.log.Debug("Ignoring event from a stale broker connection", zap.String("peer", ev.Key))
		return
	}

	if ev.Packet == nil {
		d.upstreamClosed(s, ev)
		return
	}

	d.metrics.UpstreamIn.WithLabelValues(upstreamName(ev.Packet)).Inc()
	s.log.Debug("Received broker packet", zap.String("packet", ev.Packet.String()))

	switch p := ev.Packet.(type) {
	case *packets.ConnackPacket:
		d.connack(s, p)

	case *packets.SubackPacket:
		d.suback(s, p)

	case *packets.PublishPacket:
		d.deliver(s, p)

	case *packets.PubrelPacket:
		comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
		comp.MessageID = p.MessageID
		d.sendUpstream(s, comp)

	case *packets.PubackPacket:
		d.published(s, "PUBACK", p.MessageID)

	case *packets.PubrecPacket:
		rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
		rel.MessageID = p.MessageID
		d.sendUpstream(s, rel)

	case *packets.PubcompPacket:
		d.published(s, "PUBCOMP", p.MessageID)

	case *packets.PingreqPacket:
		d.reply(s.Peer, protocol.NewPingreq())

	case *packets.PingrespPacket:
		d.reply(s.Peer, protocol.NewPingresp())

	default:
		d.metrics.Dropped.WithLabelValues("unhandled").Inc()
		s.log.Warn("Unable to handle broker packet", zap.String("packet", upstreamName(ev.Packet)))
	}
}

func (d *Dispatcher) upstreamClosed(s *Session, ev transport.UpstreamEvent) {
	s.stopKeepAlive()

	err := fmt.Errorf("%w: %v", ErrUpstreamFailure, ev.Err)
	s.log.Info("Broker connection closed",
		zap.Stringer("previous", ev.Previous),
		zap.Error(err))

	switch ev.Previous {
	case transport.StateConnected:
		d.reply(s.Peer, protocol.NewDisconnect())

	case transport.StateConnecting:
		d.reply(s.Peer, protocol.NewConnack(protocol.RejectedCongestion))
	}

	d.saveStatus(s)
}

func (d *Dispatcher) connack(s *Session, p *packets.ConnackPacket) {
	rc := connectReturnCode(p.ReturnCode)

	if err := rc.ErrorOrNil(); err != nil {
		s.log.Info("Broker refused connection", zap.Error(err))
		s.stopKeepAlive()
		if err := s.upstream.Close(); err != nil {
			s.log.Debug("Error closing broker connection", zap.Error(err))
		}

		d.reply(s.Peer, protocol.NewConnack(rc))
		d.saveStatus(s)
		return
	}

	if !s.upstream.SetConnected() {
		s.log.Warn("Ignoring CONNACK, session is not connecting", zap.Stringer("state", s.State()))
		return
	}

	if s.KeepAlive > 0 {
		s.keepAlive = startKeepAlive(d.clock, s.KeepAlive, keepAliveTick{key: s.Peer.String(), session: s}, d.ticks, d.done)
	}

	s.lastSeen = d.clock.Now()
	s.log.Info("Client is now connected")

	d.reply(s.Peer, protocol.NewConnack(protocol.Accepted))
	d.saveStatus(s)
}

// published ends the broker side of a QoS 1 or 2 publish and frees its id.
func (d *Dispatcher) published(s *Session, ack string, msgID uint16) {
	if !s.UpstreamIDs.Release(msgID) {
		s.log.Debug("Acknowledgement for a message id not in flight",
			zap.String("packet", ack),
			zap.Uint16("msgID", msgID))
		return
	}

	s.log.Debug("Publish acknowledged", zap.String("packet", ack), zap.Uint16("msgID", msgID))
}

func (d *Dispatcher) suback(s *Session, p *packets.SubackPacket) {
	req, err := s.Pending.Pop(p.MessageID)
	if err != nil {
		d.metrics.Dropped.WithLabelValues("correlation_miss").Inc()
		s.log.Warn("Received SUBACK for unknown request", zap.Error(err))
		return
	}

	s.UpstreamIDs.Release(p.MessageID)

	granted := byte(0x80)
	if len(p.ReturnCodes) > 0 {
		granted = p.ReturnCodes[0]
	}

	if granted > 2 {
		s.log.Warn("Broker refused subscription", zap.String("topic", req.TopicName))
		d.reply(s.Peer, protocol.NewSuback(protocol.Flags{}, 0, req.MsgID, protocol.RejectedNotSupported))
		return
	}

	ref, err := resolveTopic(s.Topics, d.predefined, req.TopicName)
	if err != nil {
		s.log.Warn("Unable to assign topic ID to subscription",
			zap.String("topic", req.TopicName),
			zap.Error(err))
		d.reply(s.Peer, protocol.NewSuback(protocol.Flags{}, 0, req.MsgID, protocol.RejectedInvalidTopicID))
		return
	}

	if ref.New {
		d.saveStatus(s)
	}

	flags := protocol.Flags{QoS: int8(granted), TopicIDType: ref.Type}
	d.reply(s.Peer, protocol.NewSuback(flags, ref.ID, req.MsgID, protocol.Accepted))
}

// deliver pushes a broker PUBLISH down to the client. A topic the client has
// no id for yet is announced with a REGISTER first.
func (d *Dispatcher) deliver(s *Session, p *packets.PublishPacket) {
	ref, err := resolveTopic(s.Topics, d.predefined, p.TopicName)
	if err != nil {
		d.metrics.Dropped.WithLabelValues("topic_ids_exhausted").Inc()
		s.log.Warn("Unable to assign topic ID, dropping message",
			zap.String("topic", p.TopicName),
			zap.Error(err))
		return
	}

	if ref.New {
		d.reply(s.Peer, protocol.NewRegister(ref.ID, s.nextMsgID(), p.TopicName))
		d.saveStatus(s)
	}

	flags := protocol.Flags{
		Duplicate:   p.Dup,
		QoS:         int8(p.Qos),
		Retain:      p.Retain,
		TopicIDType: ref.Type,
	}

	d.reply(s.Peer, protocol.NewPublish(flags, ref.ID, p.MessageID, p.Payload))

	switch p.Qos {
	case 1:
		ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		ack.MessageID = p.MessageID
		d.sendUpstream(s, ack)

	case 2:
		rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
		rec.MessageID = p.MessageID
		d.sendUpstream(s, rec)
	}
}

// connectReturnCode maps the broker's CONNACK code onto the constrained
// protocol's. Accepted is 0 in both, anything else is passed through.
func connectReturnCode(code byte) protocol.ReturnCode {
	return protocol.ReturnCode(code)
}

func upstreamName(packet packets.ControlPacket) string {
	switch packet.(type) {
	case *packets.ConnectPacket:
		return "CONNECT"
	case *packets.ConnackPacket:
		return "CONNACK"
	case *packets.PublishPacket:
		return "PUBLISH"
	case *packets.PubackPacket:
		return "PUBACK"
	case *packets.PubrecPacket:
		return "PUBREC"
	case *packets.PubrelPacket:
		return "PUBREL"
	case *packets.PubcompPacket:
		return "PUBCOMP"
	case *packets.SubscribePacket:
		return "SUBSCRIBE"
	case *packets.SubackPacket:
		return "SUBACK"
	case *packets.UnsubscribePacket:
		return "UNSUBSCRIBE"
	case *packets.UnsubackPacket:
		return "UNSUBACK"
	case *packets.PingreqPacket:
		return "PINGREQ"
	case *packets.PingrespPacket:
		return "PINGRESP"
	case *packets.DisconnectPacket:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}
