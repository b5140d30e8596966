package protocol

import "encoding/binary"

const HeaderSize = 6 // 4 bytes length + 2 bytes msg type

// 消息类型
const (
	MsgTypeHeartbeat uint16 = 0
	MsgTypeAuth      uint16 = 1
	MsgTypeAuthAck   uint16 = 2
	MsgTypeJoin      uint16 = 3
	MsgTypeJoinAck   uint16 = 4
	MsgTypeSend      uint16 = 10
	MsgTypeSendAck   uint16 = 11
	MsgTypeMarkRead  uint16 = 12
	MsgTypeEvent     uint16 = 20
)

// EncodeFrame 组装一帧：4 字节大端长度 + 2 字节消息类型 + 消息体
func EncodeFrame(msgType uint16, body []byte) []byte {
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	binary.BigEndian.PutUint16(frame[4:6], msgType)
	copy(frame[HeaderSize:], body)
	return frame
}

// DecodeHeader 解析帧头，返回消息体长度和消息类型
func DecodeHeader(header []byte) (length uint32, msgType uint16) {
	length = binary.BigEndian.Uint32(header[:4])
	msgType = binary.BigEndian.Uint16(header[4:6])
	return
}
