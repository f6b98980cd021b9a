package rpc

import (
	"fmt"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"krypt.co/vatrpc/common/eventloop"
	"krypt.co/vatrpc/common/promise"
	"krypt.co/vatrpc/common/twoparty"
	"krypt.co/vatrpc/common/util"
)

// Network is the message transport a System runs over.
// *twoparty.VatNetwork implements it.
type Network interface {
	Side() twoparty.Side
	PeerSide() twoparty.Side
	Send(msg *capnp.Message, dst twoparty.Side) error
	SendBestEffort(msg *capnp.Message, dst twoparty.Side) error
	Receive() (*capnp.Message, twoparty.Side, error)
	Close() error
}

// System is one RPC session over a two-party network. A reader goroutine
// decodes frames and posts them to the loop; every table below is touched
// only on the loop goroutine.
type System struct {
	id      uuid.UUID
	loop    *eventloop.Loop
	network Network
	log     *logging.Logger

	bootstrap *clientHook

	questions     map[questionID]*question
	questionIDs   idgen
	answers       map[answerID]*answer
	imports       map[importID]*impent
	exports       map[exportID]*expent
	exportIDs     idgen
	exportsByHook map[*clientHook]exportID

	err  error
	done *promise.Promise[struct{}]
}

// NewSystem starts a session on network. bootstrap, if non-nil, is the
// capability handed to the peer when it asks for ours.
func NewSystem(loop *eventloop.Loop, network Network, bootstrap Server, log *logging.Logger) *System {
	sys := &System{
		id:            uuid.NewV4(),
		loop:          loop,
		network:       network,
		log:           log,
		questions:     make(map[questionID]*question),
		answers:       make(map[answerID]*answer),
		imports:       make(map[importID]*impent),
		exports:       make(map[exportID]*expent),
		exportsByHook: make(map[*clientHook]exportID),
		done:          promise.New[struct{}](loop),
	}
	if claimer, ok := network.(interface{ Claim() error }); ok {
		if err := claimer.Claim(); err != nil {
			sys.err = &SessionTerminated{err}
			sys.done.Reject(sys.err)
			return sys
		}
	}
	if bootstrap != nil {
		sys.bootstrap = newLocalHook(loop, bootstrap)
	}
	sys.log.Infof("session %s: started as %v", sys.id, network.Side())
	go util.RecoverToLog(sys.receive, log)
	return sys
}

func (sys *System) ID() uuid.UUID {
	return sys.id
}

func (sys *System) Loop() *eventloop.Loop {
	return sys.loop
}

// Done settles when the session ends. It is always rejected with a
// *SessionTerminated carrying the cause.
func (sys *System) Done() *promise.Promise[struct{}] {
	return sys.done
}

// Err is nil while the session is live.
func (sys *System) Err() error {
	return sys.err
}

func (sys *System) receive() {
	for {
		msg, _, err := sys.network.Receive()
		if err != nil {
			sys.loop.Post(func() {
				sys.terminate(err)
			})
			return
		}
		sys.loop.Post(func() {
			sys.handleMessage(msg)
		})
	}
}

// Bootstrap asks the vat on side for its bootstrap capability. The returned
// client is a promise: calls made on it are queued and forwarded once the
// peer answers.
func (sys *System) Bootstrap(side twoparty.Side) *Client {
	if side == sys.network.Side() {
		if sys.bootstrap == nil {
			return NewErrorClient(sys.loop, ErrNoBootstrap)
		}
		return newClient(sys.loop, sys.bootstrap.addRef())
	}
	if side != sys.network.PeerSide() {
		return NewErrorClient(sys.loop, malformed("no vat on side %v", side))
	}
	if sys.err != nil {
		return NewErrorClient(sys.loop, sys.err)
	}

	ans := newAnswerState(sys.loop)
	q := sys.newQuestion(ans)
	client := newClient(sys.loop, ans.pipelineHook(nil))
	ans.cancel = func() {
		sys.cancelQuestion(q)
	}

	msg, root, err := newMessage()
	if err != nil {
		sys.dropQuestion(q)
		ans.resolve(nil, malformed("build bootstrap: %v", err))
		return client
	}
	b, err := root.NewBootstrap()
	if err != nil {
		sys.dropQuestion(q)
		ans.resolve(nil, malformed("build bootstrap: %v", err))
		return client
	}
	b.SetQuestionId(uint32(q.id))
	if sys.send(msg) != nil {
		return client
	}
	questionsSent.WithLabelValues("bootstrap").Inc()
	sys.log.Debugf("session %s: bootstrap question %d", sys.id, q.id)
	return client
}

// Close ends the session: the peer is sent a best-effort Abort and every
// unresolved promise fails with SessionTerminated.
func (sys *System) Close() error {
	sys.abort(ErrSystemClosed)
	return nil
}

func (sys *System) abort(cause error) {
	if sys.err != nil {
		return
	}
	if msg, root, err := newMessage(); err == nil {
		if e, err := root.NewAbort(); err == nil && exceptionToWire(e, cause) == nil {
			if err := sys.network.SendBestEffort(msg, sys.network.PeerSide()); err != nil {
				sys.log.Debugf("session %s: abort not delivered: %v", sys.id, err)
			}
		}
	}
	sys.terminate(cause)
}

// terminate tears the session down once. Questions fail, answers are dropped,
// exports are released and the network is closed.
func (sys *System) terminate(cause error) {
	if sys.err != nil {
		return
	}
	terminated := &SessionTerminated{cause}
	sys.err = terminated
	sessionsTerminated.Inc()
	if cause == ErrPeerDisconnected || cause == ErrSystemClosed {
		sys.log.Infof("session %s: %v", sys.id, terminated)
	} else {
		sys.log.Warningf("session %s: %v", sys.id, terminated)
	}

	questions := sys.questions
	sys.questions = make(map[questionID]*question)
	for _, q := range questions {
		questionsOutstanding.Dec()
		q.ans.resolve(nil, terminated)
	}

	answers := sys.answers
	sys.answers = make(map[answerID]*answer)
	for _, a := range answers {
		a.ans.onDone = nil
		a.ans.resolve(nil, terminated)
		if a.holding {
			a.holding = false
			a.ans.dropHandle()
		}
	}

	exports := sys.exports
	sys.exports = make(map[exportID]*expent)
	sys.exportsByHook = make(map[*clientHook]exportID)
	for _, e := range exports {
		e.hook.release()
	}
	sys.imports = make(map[importID]*impent)

	if err := sys.network.Close(); err != nil {
		sys.log.Debugf("session %s: close network: %v", sys.id, err)
	}
	if sys.bootstrap != nil {
		bootstrap := sys.bootstrap
		sys.bootstrap = nil
		bootstrap.release()
	}
	sys.done.Reject(terminated)
}

// send writes msg to the peer. A write failure terminates the session and is
// returned as the SessionTerminated error.
func (sys *System) send(msg *capnp.Message) error {
	if sys.err != nil {
		return sys.err
	}
	if err := sys.network.Send(msg, sys.network.PeerSide()); err != nil {
		sys.terminate(err)
		return sys.err
	}
	return nil
}

func newMessage() (msg *capnp.Message, root rpccp.Message, err error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return
	}
	root, err = rpccp.NewRootMessage(seg)
	return
}

func (sys *System) newQuestion(ans *answerState) *question {
	q := &question{id: questionID(sys.questionIDs.get()), ans: ans}
	sys.questions[q.id] = q
	questionsOutstanding.Inc()
	return q
}

// dropQuestion forgets a question that never reached the wire.
func (sys *System) dropQuestion(q *question) {
	if sys.questions[q.id] != q {
		return
	}
	delete(sys.questions, q.id)
	sys.questionIDs.put(uint32(q.id))
	questionsOutstanding.Dec()
}

// cancelQuestion tells the peer we no longer want the answer. The question
// stays in the table until the peer's Return frees its id.
func (sys *System) cancelQuestion(q *question) {
	if !q.finishSent && sys.err == nil {
		q.finishSent = true
		sys.sendFinish(q.id, true)
	}
	q.ans.resolve(nil, ErrCallCancelled)
}

func (sys *System) sendFinish(id questionID, releaseResultCaps bool) {
	msg, root, err := newMessage()
	if err != nil {
		sys.log.Errorf("session %s: build finish: %v", sys.id, err)
		return
	}
	f, err := root.NewFinish()
	if err != nil {
		sys.log.Errorf("session %s: build finish: %v", sys.id, err)
		return
	}
	f.SetQuestionId(uint32(id))
	f.SetReleaseResultCaps(releaseResultCaps)
	sys.send(msg)
}

// sendCall transmits pc to an import of this session.
func (sys *System) sendCall(target *clientHook, pc *pendingCall) {
	if sys.err != nil {
		pc.fail(sys.err)
		return
	}
	req := pc.req
	if req.msg == nil {
		pc.fail(malformed("request has no message"))
		return
	}
	q := sys.newQuestion(pc.ans)
	call := req.call
	call.SetQuestionId(uint32(q.id))
	mt, err := call.NewTarget()
	if err != nil {
		sys.dropQuestion(q)
		pc.fail(malformed("build call target: %v", err))
		return
	}
	mt.SetImportedCap(uint32(target.importID))
	payload, err := call.Params()
	if err != nil {
		sys.dropQuestion(q)
		pc.fail(malformed("read params: %v", err))
		return
	}
	q.paramExports, err = sys.fillCapTable(payload, req.caps)
	req.releaseCaps()
	if err != nil {
		sys.releaseExports(q.paramExports)
		sys.dropQuestion(q)
		pc.ans.resolve(nil, malformed("build cap table: %v", err))
		return
	}
	pc.ans.cancel = func() {
		sys.cancelQuestion(q)
	}
	if sys.send(req.msg) != nil {
		return
	}
	questionsSent.WithLabelValues("call").Inc()
	sys.log.Debugf("session %s: question %d calls %d@%#x on import %d", sys.id, q.id, req.MethodID, req.InterfaceID, target.importID)
}

// addImport records one more receipt of import id and returns a new ref.
func (sys *System) addImport(id importID) *clientHook {
	ent, ok := sys.imports[id]
	if !ok {
		ent = &impent{id: id}
		ent.hook = &clientHook{loop: sys.loop, kind: importHook, sys: sys, importID: id}
		sys.imports[id] = ent
	}
	ent.remoteRefs++
	return ent.hook.addRef()
}

// releaseImport runs when the last local ref to an import is gone. The
// Release message goes out on a later turn.
func (sys *System) releaseImport(h *clientHook) {
	ent, ok := sys.imports[h.importID]
	if !ok || ent.hook != h {
		return
	}
	delete(sys.imports, h.importID)
	sys.loop.Defer(func() {
		sys.sendRelease(ent.id, ent.remoteRefs)
	})
}

func (sys *System) sendRelease(id importID, count uint32) {
	if sys.err != nil {
		return
	}
	msg, root, err := newMessage()
	if err != nil {
		sys.log.Errorf("session %s: build release: %v", sys.id, err)
		return
	}
	r, err := root.NewRelease()
	if err != nil {
		sys.log.Errorf("session %s: build release: %v", sys.id, err)
		return
	}
	r.SetId(uint32(id))
	r.SetReferenceCount(count)
	sys.send(msg)
}

// exportHook hands out the export id for h, one wire ref more.
func (sys *System) exportHook(h *clientHook) exportID {
	if id, ok := sys.exportsByHook[h]; ok {
		sys.exports[id].wireRefs++
		return id
	}
	id := exportID(sys.exportIDs.get())
	sys.exports[id] = &expent{id: id, hook: h.addRef(), wireRefs: 1}
	sys.exportsByHook[h] = id
	return id
}

func (sys *System) releaseExport(id exportID, count uint32) {
	e, ok := sys.exports[id]
	if !ok {
		sys.log.Warningf("session %s: release of unknown export %d", sys.id, id)
		return
	}
	if count > e.wireRefs {
		sys.log.Warningf("session %s: export %d released %d times, held %d", sys.id, id, count, e.wireRefs)
		count = e.wireRefs
	}
	e.wireRefs -= count
	if e.wireRefs > 0 {
		return
	}
	delete(sys.exports, id)
	delete(sys.exportsByHook, e.hook)
	sys.exportIDs.put(uint32(id))
	e.hook.release()
}

func (sys *System) releaseExports(ids []exportID) {
	for _, id := range ids {
		sys.releaseExport(id, 1)
	}
}

func (sys *System) handleMessage(msg *capnp.Message) {
	if sys.err != nil {
		return
	}
	m, err := rpccp.ReadRootMessage(msg)
	if err != nil {
		sys.abort(malformed("read message: %v", err))
		return
	}
	switch m.Which() {
	case rpccp.Message_Which_bootstrap:
		err = sys.handleBootstrap(m)
	case rpccp.Message_Which_call:
		err = sys.handleCall(msg, m)
	case rpccp.Message_Which_return:
		err = sys.handleReturn(msg, m)
	case rpccp.Message_Which_finish:
		err = sys.handleFinish(m)
	case rpccp.Message_Which_release:
		err = sys.handleRelease(m)
	case rpccp.Message_Which_resolve:
		err = sys.handleResolve(m)
	case rpccp.Message_Which_abort:
		sys.handleAbort(m)
	case rpccp.Message_Which_unimplemented:
		err = sys.handleUnimplemented(m)
	default:
		sys.log.Debugf("session %s: unimplemented message %v", sys.id, m.Which())
		sys.sendUnimplemented(m)
	}
	if err != nil {
		sys.abort(err)
	}
}

func (sys *System) sendUnimplemented(m rpccp.Message) {
	msg, root, err := newMessage()
	if err != nil {
		sys.log.Errorf("session %s: build unimplemented: %v", sys.id, err)
		return
	}
	if err := root.SetUnimplemented(m); err != nil {
		sys.log.Errorf("session %s: build unimplemented: %v", sys.id, err)
		return
	}
	sys.send(msg)
}

func (sys *System) handleAbort(m rpccp.Message) {
	e, err := m.Abort()
	if err != nil {
		sys.terminate(malformed("read abort: %v", err))
		return
	}
	sys.terminate(exceptionFromWire(e))
}

func (sys *System) handleReturn(msg *capnp.Message, m rpccp.Message) error {
	ret, err := m.Return()
	if err != nil {
		return malformed("read return: %v", err)
	}
	id := questionID(ret.AnswerId())
	q, ok := sys.questions[id]
	if !ok {
		return malformed("return for unknown question %d", id)
	}
	delete(sys.questions, id)
	questionsOutstanding.Dec()
	if ret.ReleaseParamCaps() {
		sys.releaseExports(q.paramExports)
	}

	cancelled := q.ans.done
	if cancelled {
		returnsReceived.WithLabelValues("discarded").Inc()
	} else {
		switch ret.Which() {
		case rpccp.Return_Which_results:
			resp, err := sys.responseFromReturn(msg, ret)
			returnsReceived.WithLabelValues("results").Inc()
			q.ans.resolve(resp, err)
		case rpccp.Return_Which_exception:
			e, err := ret.Exception()
			if err != nil {
				q.ans.resolve(nil, malformed("read exception: %v", err))
				break
			}
			returnsReceived.WithLabelValues("exception").Inc()
			q.ans.resolve(nil, exceptionFromWire(e))
		case rpccp.Return_Which_canceled:
			returnsReceived.WithLabelValues("canceled").Inc()
			q.ans.resolve(nil, ErrCallCancelled)
		default:
			returnsReceived.WithLabelValues("unimplemented").Inc()
			q.ans.resolve(nil, unimplemented("return kind %v", ret.Which()))
		}
	}
	sys.log.Debugf("session %s: question %d returned %v", sys.id, id, ret.Which())

	if !q.finishSent {
		q.finishSent = true
		sys.sendFinish(id, false)
	}
	sys.questionIDs.put(uint32(id))
	return nil
}

func (sys *System) responseFromReturn(msg *capnp.Message, ret rpccp.Return) (*Response, error) {
	payload, err := ret.Results()
	if err != nil {
		return nil, malformed("read results: %v", err)
	}
	content, err := payload.Content()
	if err != nil {
		return nil, malformed("read results content: %v", err)
	}
	caps, err := sys.capsFromPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Response{loop: sys.loop, msg: msg, ret: ret, content: content, caps: caps}, nil
}

// newAnswer registers the peer's question id. The peer holds the answer
// until Finish.
func (sys *System) newAnswer(id answerID, kind string) (*answer, error) {
	if _, dup := sys.answers[id]; dup {
		return nil, malformed("question id %d reused while in use", id)
	}
	a := &answer{id: id, ans: newAnswerState(sys.loop), holding: true}
	a.ans.handles = 1
	a.ans.onDone = func(resp *Response, err error) {
		sys.sendReturn(a, resp, err)
	}
	sys.answers[id] = a
	callsReceived.WithLabelValues(kind).Inc()
	return a, nil
}

func (sys *System) handleBootstrap(m rpccp.Message) error {
	b, err := m.Bootstrap()
	if err != nil {
		return malformed("read bootstrap: %v", err)
	}
	a, err := sys.newAnswer(answerID(b.QuestionId()), "bootstrap")
	if err != nil {
		return err
	}
	sys.log.Debugf("session %s: bootstrap requested as question %d", sys.id, a.id)
	if sys.bootstrap == nil {
		a.ans.resolve(nil, &RemoteException{Type: rpccp.Exception_Type_failed, Reason: ErrNoBootstrap.Error()})
		return nil
	}
	a.ans.resolve(bootstrapResponse(sys.bootstrap))
	return nil
}

func bootstrapResponse(h *clientHook) (*Response, error) {
	msg, seg, ret, err := newReturnMessage()
	if err != nil {
		return nil, err
	}
	payload, err := ret.NewResults()
	if err != nil {
		return nil, err
	}
	content := capnp.NewInterface(seg, 0).ToPtr()
	if err := payload.SetContent(content); err != nil {
		return nil, err
	}
	return &Response{loop: h.loop, msg: msg, ret: ret, content: content, caps: []*clientHook{h.addRef()}}, nil
}

func (sys *System) handleCall(msg *capnp.Message, m rpccp.Message) error {
	call, err := m.Call()
	if err != nil {
		return malformed("read call: %v", err)
	}
	a, err := sys.newAnswer(answerID(call.QuestionId()), "call")
	if err != nil {
		return err
	}
	req := &Request{
		Method: Method{InterfaceID: call.InterfaceId(), MethodID: call.MethodId()},
		loop:   sys.loop,
		msg:    msg,
		call:   call,
		sent:   true,
	}
	pc := &pendingCall{req: req, ans: a.ans}

	payload, err := call.Params()
	if err != nil {
		pc.fail(malformed("read params: %v", err))
		return nil
	}
	content, err := payload.Content()
	if err != nil {
		pc.fail(malformed("read params content: %v", err))
		return nil
	}
	req.params = content.Struct()
	if req.caps, err = sys.capsFromPayload(payload); err != nil {
		pc.fail(err)
		return nil
	}

	target, err := call.Target()
	if err != nil {
		pc.fail(malformed("read call target: %v", err))
		return nil
	}
	var hook *clientHook
	switch target.Which() {
	case rpccp.MessageTarget_Which_importedCap:
		e, ok := sys.exports[exportID(target.ImportedCap())]
		if !ok {
			pc.fail(&RemoteException{Type: rpccp.Exception_Type_failed, Reason: fmt.Sprintf("call on unknown export %d", target.ImportedCap())})
			return nil
		}
		hook = e.hook.addRef()
	case rpccp.MessageTarget_Which_promisedAnswer:
		pa, err := target.PromisedAnswer()
		if err != nil {
			pc.fail(malformed("read promised answer: %v", err))
			return nil
		}
		hook, err = sys.promisedAnswerHook(pa)
		if err != nil {
			pc.fail(err)
			return nil
		}
	default:
		pc.fail(unimplemented("call target %v", target.Which()))
		return nil
	}
	sys.log.Debugf("session %s: answer %d for %d@%#x", sys.id, a.id, req.MethodID, req.InterfaceID)
	hook.call(pc)
	hook.releaseWhenResolved()
	return nil
}

func (sys *System) promisedAnswerHook(pa rpccp.PromisedAnswer) (*clientHook, error) {
	src, ok := sys.answers[answerID(pa.QuestionId())]
	if !ok {
		return nil, &RemoteException{Type: rpccp.Exception_Type_failed, Reason: fmt.Sprintf("pipelined on unknown question %d", pa.QuestionId())}
	}
	transform, err := transformFromWire(pa)
	if err != nil {
		return nil, err
	}
	return src.ans.pipelineHook(transform), nil
}

func transformFromWire(pa rpccp.PromisedAnswer) ([]uint16, error) {
	ops, err := pa.Transform()
	if err != nil {
		return nil, malformed("read transform: %v", err)
	}
	transform := make([]uint16, 0, ops.Len())
	for i := 0; i < ops.Len(); i++ {
		op := ops.At(i)
		switch op.Which() {
		case rpccp.PromisedAnswer_Op_Which_noop:
		case rpccp.PromisedAnswer_Op_Which_getPointerField:
			transform = append(transform, op.GetPointerField())
		default:
			return nil, unimplemented("transform op %v", op.Which())
		}
	}
	return transform, nil
}

// sendReturn answers the peer's question a. It runs as the answer settles.
func (sys *System) sendReturn(a *answer, resp *Response, err error) {
	if sys.err != nil {
		return
	}
	var msg *capnp.Message
	if err == nil {
		msg, err = sys.encodeResults(a, resp)
	}
	if err != nil {
		msg, err = newExceptionReturn(a.id, err)
		if err != nil {
			sys.log.Errorf("session %s: build return: %v", sys.id, err)
			return
		}
	}
	a.returned = true
	if sys.send(msg) != nil {
		return
	}
	if a.finished {
		sys.retireAnswer(a)
	}
}

func (sys *System) encodeResults(a *answer, resp *Response) (*capnp.Message, error) {
	if resp == nil || resp.msg == nil {
		return nil, malformed("results missing")
	}
	ret := resp.ret
	ret.SetAnswerId(uint32(a.id))
	ret.SetReleaseParamCaps(false)
	payload, err := ret.Results()
	if err != nil {
		return nil, malformed("read results: %v", err)
	}
	a.resultExports, err = sys.fillCapTable(payload, resp.caps)
	if err != nil {
		sys.releaseExports(a.resultExports)
		a.resultExports = nil
		return nil, malformed("build cap table: %v", err)
	}
	return resp.msg, nil
}

func newExceptionReturn(id answerID, cause error) (*capnp.Message, error) {
	msg, _, ret, err := newReturnMessage()
	if err != nil {
		return nil, err
	}
	ret.SetAnswerId(uint32(id))
	ret.SetReleaseParamCaps(false)
	if cause == ErrCallCancelled {
		ret.SetCanceled()
		return msg, nil
	}
	e, err := ret.NewException()
	if err != nil {
		return nil, err
	}
	if err := exceptionToWire(e, cause); err != nil {
		return nil, err
	}
	return msg, nil
}

func (sys *System) handleFinish(m rpccp.Message) error {
	f, err := m.Finish()
	if err != nil {
		return malformed("read finish: %v", err)
	}
	a, ok := sys.answers[answerID(f.QuestionId())]
	if !ok {
		sys.log.Warningf("session %s: finish for unknown question %d", sys.id, f.QuestionId())
		return nil
	}
	a.finished = true
	a.releaseResultCaps = f.ReleaseResultCaps()
	if a.returned {
		sys.retireAnswer(a)
		return nil
	}
	if a.holding {
		a.holding = false
		a.ans.dropHandle()
	}
	return nil
}

func (sys *System) retireAnswer(a *answer) {
	if sys.answers[a.id] == a {
		delete(sys.answers, a.id)
	}
	if a.releaseResultCaps {
		sys.releaseExports(a.resultExports)
	}
	a.resultExports = nil
	if a.holding {
		a.holding = false
		a.ans.dropHandle()
	}
}

func (sys *System) handleRelease(m rpccp.Message) error {
	r, err := m.Release()
	if err != nil {
		return malformed("read release: %v", err)
	}
	sys.releaseExport(exportID(r.Id()), r.ReferenceCount())
	return nil
}

// handleResolve drops whatever the peer resolved a promise to. Calls keep
// going to the promise's import id and the peer forwards them.
func (sys *System) handleResolve(m rpccp.Message) error {
	r, err := m.Resolve()
	if err != nil {
		return malformed("read resolve: %v", err)
	}
	if r.Which() == rpccp.Resolve_Which_cap {
		d, err := r.Cap()
		if err != nil {
			return malformed("read resolve cap: %v", err)
		}
		sys.hookForDescriptor(d).release()
	}
	return nil
}

// handleUnimplemented takes the peer's echo of a message it did not
// understand. An echoed Call or Bootstrap fails that question.
func (sys *System) handleUnimplemented(m rpccp.Message) error {
	inner, err := m.Unimplemented()
	if err != nil {
		return malformed("read unimplemented: %v", err)
	}
	var id questionID
	switch inner.Which() {
	case rpccp.Message_Which_call:
		c, err := inner.Call()
		if err != nil {
			return malformed("read unimplemented call: %v", err)
		}
		id = questionID(c.QuestionId())
	case rpccp.Message_Which_bootstrap:
		b, err := inner.Bootstrap()
		if err != nil {
			return malformed("read unimplemented bootstrap: %v", err)
		}
		id = questionID(b.QuestionId())
	case rpccp.Message_Which_abort:
		return nil
	default:
		sys.log.Warningf("session %s: peer did not implement our %v", sys.id, inner.Which())
		return nil
	}
	q, ok := sys.questions[id]
	if !ok {
		return nil
	}
	delete(sys.questions, id)
	questionsOutstanding.Dec()
	sys.questionIDs.put(uint32(id))
	sys.releaseExports(q.paramExports)
	q.ans.resolve(nil, unimplemented("peer does not implement %v", inner.Which()))
	return nil
}
