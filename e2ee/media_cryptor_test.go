package e2ee

import (
	"errors"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMediaCryptor struct {
	failDecrypt bool
}

func (f *fakeMediaCryptor) EncryptRTP(identity string, ssrc uint32, pkt *rtp.Packet) error {
	return nil
}

func (f *fakeMediaCryptor) DecryptRTP(identity string, ssrc uint32, pkt *rtp.Packet) error {
	if f.failDecrypt {
		return errors.New("tag mismatch")
	}
	return nil
}

func TestMediaCryptorManager_AttachEmitsNewOnce(t *testing.T) {
	mgr := NewManager(NewSharedKeyProvider(newTestKey(t), DefaultKeyProviderOptions()))
	mcm := NewMediaCryptorManager(mgr, &fakeMediaCryptor{})

	mcm.Attach("p0", 111)
	mcm.Attach("p0", 222)

	require.Len(t, mgr.events, 1)
	ev := <-mgr.Events()
	assert.Equal(t, StateNew, ev.State)
}

func TestMediaCryptorManager_DecryptInboundMissingKeyWhenNoKeySet(t *testing.T) {
	mgr := NewManager(NewPerIdentityKeyProvider(DefaultKeyProviderOptions()))
	mcm := NewMediaCryptorManager(mgr, &fakeMediaCryptor{failDecrypt: true})
	mcm.Attach("p1", 5)
	<-mgr.Events() // drain New

	err := mcm.DecryptInbound("p1", 5, &rtp.Packet{})
	assert.Error(t, err)

	ev := <-mgr.Events()
	assert.Equal(t, StateMissingKey, ev.State)
}

func TestMediaCryptorManager_EncryptOutboundOkAfterSuccess(t *testing.T) {
	mgr := NewManager(NewSharedKeyProvider(newTestKey(t), DefaultKeyProviderOptions()))
	mcm := NewMediaCryptorManager(mgr, &fakeMediaCryptor{})
	mcm.Attach("p2", 9)
	<-mgr.Events() // drain New

	require.NoError(t, mcm.EncryptOutbound("p2", 9, &rtp.Packet{}))
	ev := <-mgr.Events()
	assert.Equal(t, StateOk, ev.State)
}
