package server

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"deltarena/game"
)

// Codec 出站帧编码。入站始终为 JSON 文本
type Codec interface {
	Name() string
	Encode(msg game.ServerMessage) ([]byte, error)
	// FrameType websocket 帧类型
	FrameType() int
}

type jsonCodec struct{}

func (jsonCodec) Name() string   { return "json" }
func (jsonCodec) FrameType() int { return websocket.TextMessage }
func (jsonCodec) Encode(msg game.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string   { return "msgpack" }
func (msgpackCodec) FrameType() int { return websocket.BinaryMessage }
func (msgpackCodec) Encode(msg game.ServerMessage) ([]byte, error) {
	return msgpack.Marshal(&msg)
}

// CodecFor 按名称选择编码，未知名称回退 JSON
func CodecFor(name string) Codec {
	if name == "msgpack" {
		return msgpackCodec{}
	}
	return jsonCodec{}
}
