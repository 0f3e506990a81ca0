// Package protocol implements parsing and serialising of the constrained,
// datagram oriented publish/subscribe protocol that sngate speaks with its
// sensor clients (MQTT-SN v1.2).
//
// Every datagram carries exactly one packet. Topics are addressed by 16 bit
// topic ids instead of names so that packets stay small, and it is the
// gateway's job to map those ids back to the names the broker understands.
//
// === Header
//
// All multi-byte integers are big endian.
//
//	[length:1][type:1][body...]
//
// When the total length does not fit in a single byte the first byte is the
// marker 0x01 and the length follows as two bytes:
//
//	[0x01][length:2][type:1][body...]
//
// The length always counts the whole packet, header included, and must equal
// the size of the datagram it arrived in.
//
// === Flags
//
//	bit  7          6   5   4       3             2              1   0
//	     duplicate  qos     retain  request_will  clean_session  topic_id_type
//
// A QoS of 0b11 decodes to -1 (QoSNone). topic_id_type is 0 for normal,
// 1 for predefined and 2 for short topic ids.
//
// === Bodies
//
//	CONNECT     [flags:1][protocol_id:1=0x01][keep_alive:2][client_id:1..23]
//	CONNACK     [return_code:1]
//	REGISTER    [topic_id:2][msg_id:2][topic_name...]
//	REGACK      [topic_id:2][msg_id:2][return_code:1]
//	PUBLISH     [flags:1][topic_id:2][msg_id:2][data...]
//	SUBSCRIBE   [flags:1][msg_id:2][topic_name...]
//	SUBACK      [flags:1][topic_id:2][msg_id:2][return_code:1]
//	PINGREQ     (empty)
//	PINGRESP    (empty)
//	DISCONNECT  (empty)
//
// Other type identifiers in the 0x00-0x1D range (ADVERTISE, WILLTOPIC, PUBACK,
// UNSUBSCRIBE...) are not implemented and fail to decode with
// ErrInvalidPacketType.
//
// === Short topic ids
//
// A two character topic name may be sent without registering it first: the
// two bytes of the name are packed into the topic id and topic_id_type is set
// to short. See ShortTopicID and ShortTopicName.
package protocol
