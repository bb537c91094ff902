// =============================================================================
// 文件: internal/cookie/state.go
// 描述: 状态 Cookie 明文 (CBOR 编码)
// =============================================================================
package cookie

import (
	"bytes"
	"io"
	"net/netip"
	"time"

	"github.com/dtn7/cboring"
	"github.com/pkg/errors"
)

const stateFields = 13

// Features 对端在 INIT 中声明的扩展
type Features uint8

const (
	FeatureForwardTSN Features = 1 << iota
	FeatureReConfig
)

// Has 是否包含 f
func (f Features) Has(x Features) bool { return f&x != 0 }

// State 响应方在 INIT-ACK 中下发、在 COOKIE-ECHO 中取回的偶联参数
//
// 响应方在收到合法 COOKIE-ECHO 之前不保存任何状态。
type State struct {
	LocalTag        uint32
	PeerTag         uint32
	LocalInitialTSN uint32
	PeerInitialTSN  uint32
	PeerRwnd        uint32
	OutboundStreams uint16
	InboundStreams  uint16
	LocalPort       uint16
	PeerPort        uint16
	PeerFeatures    Features
	PeerAddrs       []netip.AddrPort
	CreatedAt       time.Time
	Lifetime        time.Duration
}

// Expired 在 now 时刻是否已过期, 返回超出的时长
func (s *State) Expired(now time.Time) (bool, time.Duration) {
	deadline := s.CreatedAt.Add(s.Lifetime)
	if now.After(deadline) {
		return true, now.Sub(deadline)
	}
	return false, 0
}

// MarshalCbor 编码为定长 CBOR 数组
func (s *State) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(stateFields, w); err != nil {
		return err
	}
	for _, v := range []uint64{
		uint64(s.LocalTag), uint64(s.PeerTag),
		uint64(s.LocalInitialTSN), uint64(s.PeerInitialTSN),
		uint64(s.PeerRwnd),
		uint64(s.OutboundStreams), uint64(s.InboundStreams),
		uint64(s.LocalPort), uint64(s.PeerPort),
		uint64(s.PeerFeatures),
	} {
		if err := cboring.WriteUInt(v, w); err != nil {
			return err
		}
	}

	if err := cboring.WriteArrayLength(uint64(len(s.PeerAddrs)), w); err != nil {
		return err
	}
	for _, addr := range s.PeerAddrs {
		if err := cboring.WriteTextString(addr.String(), w); err != nil {
			return err
		}
	}

	if err := cboring.WriteUInt(uint64(s.CreatedAt.UnixNano()), w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(s.Lifetime), w)
}

// UnmarshalCbor 解码
func (s *State) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	} else if n != stateFields {
		return errors.Errorf("cookie 字段数量错误: %d", n)
	}

	var u [10]uint64
	for i := range u {
		if u[i], err = cboring.ReadUInt(r); err != nil {
			return err
		}
	}
	s.LocalTag = uint32(u[0])
	s.PeerTag = uint32(u[1])
	s.LocalInitialTSN = uint32(u[2])
	s.PeerInitialTSN = uint32(u[3])
	s.PeerRwnd = uint32(u[4])
	s.OutboundStreams = uint16(u[5])
	s.InboundStreams = uint16(u[6])
	s.LocalPort = uint16(u[7])
	s.PeerPort = uint16(u[8])
	s.PeerFeatures = Features(u[9])

	count, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	s.PeerAddrs = make([]netip.AddrPort, 0, count)
	for i := uint64(0); i < count; i++ {
		text, err := cboring.ReadTextString(r)
		if err != nil {
			return err
		}
		addr, err := netip.ParseAddrPort(text)
		if err != nil {
			return errors.Wrap(err, "cookie 地址无效")
		}
		s.PeerAddrs = append(s.PeerAddrs, addr)
	}

	created, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	s.CreatedAt = time.Unix(0, int64(created))
	lifetime, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	s.Lifetime = time.Duration(lifetime)
	return nil
}

func encodeState(s *State) ([]byte, error) {
	var buf bytes.Buffer
	if err := cboring.Marshal(s, &buf); err != nil {
		return nil, errors.Wrap(err, "编码 cookie 失败")
	}
	return buf.Bytes(), nil
}

func decodeState(b []byte) (*State, error) {
	s := new(State)
	if err := cboring.Unmarshal(s, bytes.NewReader(b)); err != nil {
		return nil, errors.Wrap(err, "解码 cookie 失败")
	}
	return s, nil
}
