package remote

import (
	"github.com/tarungka/telepipe/internal/utils"
	"google.golang.org/grpc/encoding"
)

// Codec marshals peer messages with msgpack instead of protobuf.
type Codec struct{}

var _ encoding.Codec = Codec{}

func init() {
	encoding.RegisterCodec(Codec{})
}

func (Codec) Marshal(v any) ([]byte, error) {
	buf, err := utils.EncodeMsgPack(v)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	return utils.DecodeMsgPack(data, v)
}

func (Codec) Name() string {
	return "msgpack"
}
