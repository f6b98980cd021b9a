package rpc

type questionID uint32
type answerID uint32
type importID uint32
type exportID uint32

// idgen hands out small ids, reusing freed ones first.
type idgen struct {
	next uint32
	free []uint32
}

func (gen *idgen) get() uint32 {
	if n := len(gen.free); n > 0 {
		id := gen.free[n-1]
		gen.free = gen.free[:n-1]
		return id
	}
	id := gen.next
	gen.next++
	return id
}

func (gen *idgen) put(id uint32) {
	gen.free = append(gen.free, id)
}

// question is a call or bootstrap we sent and have not seen a Return for.
type question struct {
	id           questionID
	ans          *answerState
	paramExports []exportID
	finishSent   bool
}

// answer is a question the peer asked us, live until it sends Finish.
type answer struct {
	id                answerID
	ans               *answerState
	resultExports     []exportID
	returned          bool
	finished          bool
	releaseResultCaps bool
	holding           bool
}

// impent is a capability the peer exported to us. remoteRefs counts how many
// times the peer has sent it, which is what we owe back in Release.
type impent struct {
	id         importID
	hook       *clientHook
	remoteRefs uint32
}

// expent is a capability we exported. wireRefs counts descriptors sent and
// not yet released by the peer.
type expent struct {
	id       exportID
	hook     *clientHook
	wireRefs uint32
}
