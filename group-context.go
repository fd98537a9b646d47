package mls

import (
	"bytes"
)

// struct {
//     ProtocolVersion version = mls10;
//     CipherSuite cipher_suite;
//     opaque group_id<V>;
//     uint64 epoch;
//     opaque tree_hash<V>;
//     opaque confirmed_transcript_hash<V>;
//     Extension extensions<V>;
// } GroupContext;
type GroupContext struct {
	Version                 ProtocolVersion
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
}

func (gc GroupContext) Clone() GroupContext {
	return GroupContext{
		Version:                 gc.Version,
		CipherSuite:             gc.CipherSuite,
		GroupID:                 dup(gc.GroupID),
		Epoch:                   gc.Epoch,
		TreeHash:                dup(gc.TreeHash),
		ConfirmedTranscriptHash: dup(gc.ConfirmedTranscriptHash),
		Extensions:              gc.Extensions.Clone(),
	}
}

func (gc GroupContext) Equals(o GroupContext) bool {
	lhs, err := marshal(gc)
	if err != nil {
		return false
	}
	rhs, err := marshal(o)
	if err != nil {
		return false
	}
	return bytes.Equal(lhs, rhs)
}

func (gc GroupContext) requiredCapabilities() (*RequiredCapabilitiesExtension, error) {
	var req RequiredCapabilitiesExtension
	found, err := gc.Extensions.Find(&req)
	if err != nil || !found {
		return nil, err
	}
	return &req, nil
}

///
/// Transcript hashes
///

type confirmedTranscriptHashInput struct {
	WireFormat WireFormat
	Content    FramedContent
	Signature  []byte `tls:"head=2"`
}

type interimTranscriptHashInput struct {
	ConfirmationTag []byte `tls:"head=1"`
}

// confirmedTranscriptHash folds a commit into the transcript:
// H(interim || ConfirmedTranscriptHashInput).
func confirmedTranscriptHash(cs CipherSuiteProvider, interim []byte, wf WireFormat, content FramedContent, signature []byte) ([]byte, error) {
	enc, err := marshal(confirmedTranscriptHashInput{
		WireFormat: wf,
		Content:    content,
		Signature:  signature,
	})
	if err != nil {
		return nil, err
	}

	return cs.Hash(append(dup(interim), enc...)), nil
}

func interimTranscriptHash(cs CipherSuiteProvider, confirmed, tag []byte) ([]byte, error) {
	enc, err := marshal(interimTranscriptHashInput{ConfirmationTag: tag})
	if err != nil {
		return nil, err
	}

	return cs.Hash(append(dup(confirmed), enc...)), nil
}

func confirmationTag(cs CipherSuiteProvider, confirmationKey, confirmed []byte) []byte {
	return cs.MAC(confirmationKey, confirmed)
}

func verifyConfirmationTag(cs CipherSuiteProvider, confirmationKey, confirmed, tag []byte) bool {
	return constantTimeEqual(confirmationTag(cs, confirmationKey, confirmed), tag)
}
