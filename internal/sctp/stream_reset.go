// =============================================================================
// 文件: internal/sctp/stream_reset.go
// 描述: 流重置 (RFC 6525 子集) - 出向/入向/双向/SSN-TSN 重置请求与响应
// =============================================================================
package sctp

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/cmtsctp/internal/clock"
	"github.com/mrcgq/cmtsctp/internal/seqnum"
)

// resetState 流重置的请求方与应答方状态
type resetState struct {
	timer clock.Token

	nextReqSeq uint32
	// 对端下一个请求序号
	peerReqSeq uint32

	// 等待相关流数据清空后发送的请求
	pending         bool
	pendingKind     ResetKind
	pendingStreams  []uint16
	pendingIncoming []uint16

	// 已发送、等待响应的请求
	inFlight *ReConfig
	waiting  map[uint32]ReconfigParam

	// 对端最近一个请求的响应, 用于应答重传的请求
	lastResponse *ReconfigResponse
	// 对端出向重置, 等待累计确认到达 LastTSN
	deferred *OutgoingResetRequest
}

func newResetState(initialReqSeq uint32) *resetState {
	return &resetState{
		nextReqSeq: initialReqSeq,
		waiting:    make(map[uint32]ReconfigParam),
	}
}

func (r *resetState) busy() bool { return r.pending || r.inFlight != nil }

func (r *resetState) allocSeq() uint32 {
	s := r.nextReqSeq
	r.nextReqSeq++
	return s
}

// RequestStreamReset 发起流重置; streams 为空表示全部流
func (a *Association) RequestStreamReset(kind ResetKind, streams []uint16) error {
	if a.state != StateEstablished {
		return errors.Wrapf(ErrInvalidState, "状态 %s 不能重置流", a.state)
	}
	if !a.peerReConfig {
		return ErrResetUnsupported
	}
	r := a.reset
	if r.busy() {
		return ErrResetInProgress
	}
	for _, s := range streams {
		if (kind == ResetOutgoing || kind == ResetBoth) && s >= a.outStreams {
			return errors.Wrapf(ErrInvalidStream, "出向流 %d", s)
		}
		if (kind == ResetIncoming || kind == ResetBoth) && s >= a.inStreams {
			return errors.Wrapf(ErrInvalidStream, "入向流 %d", s)
		}
	}
	streams = append([]uint16(nil), streams...)
	a.log().WithFields(log.Fields{"kind": kind.String(), "streams": streams}).Debug("请求流重置")

	if kind == ResetIncoming {
		a.sendResetRequest(&IncomingResetRequest{ReqSeq: r.allocSeq(), Streams: streams})
		return nil
	}
	r.pending = true
	r.pendingKind = kind
	r.pendingStreams = streams
	if kind == ResetBoth {
		r.pendingIncoming = streams
	}
	if kind == ResetSSNTSN {
		a.out.block(nil, a.nextMsgID)
	} else {
		a.out.block(streams, a.nextMsgID)
	}
	a.processPendingReset()
	return nil
}

// resetDrained 出向重置涉及的流已没有未确认或重置前排队的数据
func (a *Association) resetDrained(streams []uint16) bool {
	for _, s := range a.out.selectStreams(streams) {
		if a.out.hasQueued(s.id) || a.ledger.hasUnackedOnStream(s.id) {
			return false
		}
	}
	return true
}

// processPendingReset 数据清空后发出等待中的请求
func (a *Association) processPendingReset() {
	r := a.reset
	if !r.pending || r.inFlight != nil || a.state != StateEstablished {
		return
	}
	var params []ReconfigParam
	switch r.pendingKind {
	case ResetSSNTSN:
		if !a.ledger.empty() || !a.resetDrained(nil) {
			return
		}
		params = append(params, &SSNTSNResetRequest{ReqSeq: r.allocSeq()})
	default:
		if !a.resetDrained(r.pendingStreams) {
			return
		}
		params = append(params, &OutgoingResetRequest{
			ReqSeq:  r.allocSeq(),
			RespSeq: r.peerReqSeq - 1,
			LastTSN: a.nextTSN.Prev(),
			Streams: r.pendingStreams,
		})
		if r.pendingKind == ResetBoth {
			params = append(params, &IncomingResetRequest{ReqSeq: r.allocSeq(), Streams: r.pendingIncoming})
		}
	}
	r.pending = false
	a.sendResetRequest(params...)
}

func reqSeqOf(p ReconfigParam) (uint32, bool) {
	switch v := p.(type) {
	case *OutgoingResetRequest:
		return v.ReqSeq, true
	case *IncomingResetRequest:
		return v.ReqSeq, true
	case *SSNTSNResetRequest:
		return v.ReqSeq, true
	}
	return 0, false
}

func (a *Association) sendResetRequest(params ...ReconfigParam) {
	r := a.reset
	r.inFlight = &ReConfig{Params: params}
	for _, p := range params {
		if seq, ok := reqSeqOf(p); ok {
			r.waiting[seq] = p
		}
	}
	a.sendControl(r.inFlight)
	a.startResetTimer()
}

func (a *Association) startResetTimer() {
	p := a.paths.primaryPath()
	if p == nil {
		return
	}
	a.startTimer(&a.reset.timer, p.rto.RTO(), a.resetTimerExpired)
}

// resetTimerExpired 重传未获响应的请求
func (a *Association) resetTimerExpired() {
	r := a.reset
	if r.inFlight == nil {
		return
	}
	if p := a.paths.primaryPath(); p != nil {
		p.rto.Backoff()
	}
	a.assocErrors++
	if a.assocErrors > a.cfg.AssocMaxRetrans {
		a.connectionLost(ErrConnectionLost)
		return
	}
	a.log().Debug("流重置请求超时, 重传")
	a.sendControl(r.inFlight)
	a.startResetTimer()
}

// ----------------------------------------------------------------------------
// 应答方
// ----------------------------------------------------------------------------

// handleReConfig 处理请求与响应; 对请求的响应合并为一个 RE-CONFIG 发出
func (a *Association) handleReConfig(c *ReConfig) {
	if a.state < StateEstablished {
		return
	}
	var responses []ReconfigParam
	for _, p := range c.Params {
		switch v := p.(type) {
		case *ReconfigResponse:
			a.handleResetResponse(v)
		default:
			if resp := a.handleResetRequest(p); resp != nil {
				responses = append(responses, resp)
			}
		}
	}
	if len(responses) > 0 {
		a.sendControl(&ReConfig{Params: responses})
	}
	// 入向重置请求可能已使本端出向重置就绪
	a.processPendingReset()
}

// checkPeerSeq 新请求返回 (nil, true); 重传的请求返回上一次的响应
func (a *Association) checkPeerSeq(seq uint32) (*ReconfigResponse, bool) {
	r := a.reset
	switch {
	case seq == r.peerReqSeq:
		r.peerReqSeq++
		return nil, true
	case seq == r.peerReqSeq-1 && r.lastResponse != nil && r.lastResponse.RespSeq == seq:
		if r.deferred != nil && r.deferred.ReqSeq == seq {
			return &ReconfigResponse{RespSeq: seq, Result: ResultInProgress}, false
		}
		return r.lastResponse, false
	default:
		return &ReconfigResponse{RespSeq: seq, Result: ResultErrorBadSeq}, false
	}
}

func (a *Association) handleResetRequest(p ReconfigParam) *ReconfigResponse {
	r := a.reset
	seq, ok := reqSeqOf(p)
	if !ok {
		return nil
	}
	if resp, fresh := a.checkPeerSeq(seq); !fresh {
		return resp
	}
	var resp *ReconfigResponse
	switch v := p.(type) {
	case *OutgoingResetRequest:
		switch {
		case r.deferred != nil:
			resp = &ReconfigResponse{RespSeq: seq, Result: ResultErrorInProgress}
		case a.in.cum.GreaterEq(v.LastTSN):
			a.resetInbound(v.Streams)
			resp = &ReconfigResponse{RespSeq: seq, Result: ResultSuccessPerformed}
		default:
			req := *v
			r.deferred = &req
			resp = &ReconfigResponse{RespSeq: seq, Result: ResultInProgress}
		}
	case *IncomingResetRequest:
		if r.busy() {
			resp = &ReconfigResponse{RespSeq: seq, Result: ResultErrorInProgress}
			break
		}
		r.pending = true
		r.pendingKind = ResetOutgoing
		r.pendingStreams = append([]uint16(nil), v.Streams...)
		a.out.block(r.pendingStreams, a.nextMsgID)
		resp = &ReconfigResponse{RespSeq: seq, Result: ResultSuccessPerformed}
	case *SSNTSNResetRequest:
		if !a.ledger.empty() || !a.out.empty() || r.busy() {
			resp = &ReconfigResponse{RespSeq: seq, Result: ResultInProgress}
			// 允许对端稍后以同一序号重试
			r.peerReqSeq--
			return resp
		}
		a.out.resetSSN(nil)
		a.resetInbound(nil)
		resp = &ReconfigResponse{
			RespSeq:         seq,
			Result:          ResultSuccessPerformed,
			HasTSN:          true,
			SenderNextTSN:   a.nextTSN,
			ReceiverNextTSN: a.in.cum.Next(),
		}
	}
	r.lastResponse = resp
	return resp
}

// resetInbound 入向流的期望 SSN 归零并交付重置前暂存的消息
func (a *Association) resetInbound(streams []uint16) {
	in := a.in
	ids := streams
	if len(ids) == 0 {
		ids = make([]uint16, len(in.streams))
		for i := range ids {
			ids[i] = uint16(i)
		}
	}
	for _, id := range ids {
		if int(id) >= len(in.streams) {
			continue
		}
		s := in.streams[id]
		for ssn, m := range s.ordered {
			in.buffered -= len(m.Data)
			delete(s.ordered, ssn)
		}
		s.expected = 0
		held := s.held
		s.held = nil
		for _, m := range held {
			a.enqueueMessage(m)
		}
	}
	a.notify(Notification{Kind: NotifyResetPerformed, Streams: streams})
}

// performDeferredResets 累计确认到达对端的 LastTSN 时执行延迟的重置并回送结果
func (a *Association) performDeferredResets() {
	r := a.reset
	if r.deferred == nil || a.in == nil || a.in.cum.Less(r.deferred.LastTSN) {
		return
	}
	req := r.deferred
	r.deferred = nil
	a.resetInbound(req.Streams)
	resp := &ReconfigResponse{RespSeq: req.ReqSeq, Result: ResultSuccessPerformed}
	if r.lastResponse != nil && r.lastResponse.RespSeq == req.ReqSeq {
		r.lastResponse = resp
	}
	a.sendControl(&ReConfig{Params: []ReconfigParam{resp}})
}

// deferredCovers 消息是否必须等延迟重置完成后再交付
func (a *Association) deferredCovers(stream uint16, tsn seqnum.TSN) bool {
	d := a.reset.deferred
	if d == nil || tsn.LessEq(d.LastTSN) {
		return false
	}
	if len(d.Streams) == 0 {
		return true
	}
	for _, s := range d.Streams {
		if s == stream {
			return true
		}
	}
	return false
}

// handleResetResponse 请求方收到响应
func (a *Association) handleResetResponse(resp *ReconfigResponse) {
	r := a.reset
	p, ok := r.waiting[resp.RespSeq]
	if !ok {
		return
	}
	if resp.Result == ResultInProgress {
		return
	}
	delete(r.waiting, resp.RespSeq)
	success := resp.Result == ResultSuccessPerformed || resp.Result == ResultSuccessNop
	var err error
	if !success {
		err = errors.Wrapf(ErrResetDenied, "%s", resp.Result)
	}
	switch v := p.(type) {
	case *OutgoingResetRequest:
		if success {
			a.out.resetSSN(v.Streams)
		}
		a.out.unblock(v.Streams)
		a.notify(Notification{Kind: NotifyResetPerformed, Streams: v.Streams, Err: err})
	case *IncomingResetRequest:
		if err != nil {
			a.notify(Notification{Kind: NotifyResetPerformed, Streams: v.Streams, Err: err})
		}
	case *SSNTSNResetRequest:
		if success {
			a.out.resetSSN(nil)
			if a.in != nil {
				a.resetInbound(nil)
			}
		} else {
			a.notify(Notification{Kind: NotifyResetPerformed, Err: err})
		}
		a.out.unblock(nil)
	}
	a.log().WithField("result", resp.Result.String()).Debug("流重置响应")
	if len(r.waiting) == 0 {
		r.inFlight = nil
		a.stopTimer(&r.timer)
		a.assocErrors = 0
	}
}
