package upstream

import "encoding/binary"

// Wire envelope for one request or response frame, carried as the payload
// of a single framedcodec message (so the upstream leg reuses the same
// length-prefixed transport the client-facing leg uses instead of rolling
// its own header parser).
//
//	request:  [4]byte requestID (LittleEndian) | body
//	response: [4]byte requestID (LittleEndian) | 1 byte status | body
const (
	requestHeaderSize  = 4
	responseHeaderSize = 5

	statusOK   byte = 0
	statusFail byte = 1
)

func encodeRequest(id uint32, body []byte) []byte {
	buf := make([]byte, requestHeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf, id)
	copy(buf[requestHeaderSize:], body)
	return buf
}

func decodeRequest(frame []byte) (id uint32, body []byte, ok bool) {
	if len(frame) < requestHeaderSize {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint32(frame), frame[requestHeaderSize:], true
}

func decodeResponse(frame []byte) (id uint32, status byte, body []byte, ok bool) {
	if len(frame) < responseHeaderSize {
		return 0, 0, nil, false
	}
	id = binary.LittleEndian.Uint32(frame)
	status = frame[requestHeaderSize]
	return id, status, frame[responseHeaderSize:], true
}

func encodeResponse(id uint32, status byte, body []byte) []byte {
	buf := make([]byte, responseHeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf, id)
	buf[requestHeaderSize] = status
	copy(buf[responseHeaderSize:], body)
	return buf
}
