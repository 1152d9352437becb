// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/dtn7/quist/pkg/identity"
)

func testIdentity(t *testing.T, subject string) *identity.Identity {
	t.Helper()

	id, err := identity.Generate(subject, time.Hour)
	if err != nil {
		t.Fatalf("Generating identity failed: %v", err)
	}
	return id
}

// testLoopbackPair establishes a session pair over the loopback interface,
// both sides trusting anything. Cleanup happens through t.Cleanup.
func testLoopbackPair(t *testing.T, clientOpts, serverOpts *Options) (client, server *Session) {
	t.Helper()

	serverConf, err := identity.BuildServerConfig(testIdentity(t, "server"), identity.TrustAny())
	if err != nil {
		t.Fatalf("Building server config failed: %v", err)
	}
	clientConf, err := identity.BuildClientConfig(nil, identity.TrustAny())
	if err != nil {
		t.Fatalf("Building client config failed: %v", err)
	}

	listener, err := Listen("127.0.0.1:0", serverConf, serverOpts)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	acceptChan := make(chan *Session, 1)
	errChan := make(chan error, 1)
	go func() {
		sess, acceptErr := listener.Accept(context.Background())
		if acceptErr != nil {
			errChan <- acceptErr
			return
		}
		acceptChan <- sess
	}()

	client, err = Dial(context.Background(), listener.Addr().String(), clientConf, clientOpts)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close("test over") })

	select {
	case server = <-acceptChan:
	case err := <-errChan:
		t.Fatalf("Accept failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Accepting the session timed out")
	}
	t.Cleanup(func() { _ = server.Close("test over") })

	return client, server
}

func TestSessionRoundTrip(t *testing.T) {
	const chunkSize = 4096
	payload := make([]byte, 10*1024*1024)
	rand.New(rand.NewSource(42)).Read(payload)

	client, server := testLoopbackPair(t, nil, nil)

	senderChan := make(chan *Channel, 1)
	errChan := make(chan error, 1)
	go func() {
		channel, err := client.OpenChannel(context.Background(), DirectionSend, chunkSize)
		if err != nil {
			errChan <- err
			return
		}
		channel.DeclareTotal(uint64(len(payload)))

		if _, err := channel.Write(context.Background(), payload); err != nil {
			errChan <- err
			return
		}
		if err := channel.Finish(); err != nil {
			errChan <- err
			return
		}

		senderChan <- channel
	}()

	receiver, err := server.OpenChannel(context.Background(), DirectionReceive, 0)
	if err != nil {
		t.Fatalf("Opening receiving channel failed: %v", err)
	}

	var received bytes.Buffer
	for {
		chunk, err := receiver.Read(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Read failed after %d bytes: %v", received.Len(), err)
		}
		received.Write(chunk)
	}

	var sender *Channel
	select {
	case sender = <-senderChan:
	case err := <-errChan:
		t.Fatalf("Sender failed: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("Sender timed out")
	}

	if !bytes.Equal(received.Bytes(), payload) {
		t.Fatalf("Received %d bytes differing from the %d sent", received.Len(), len(payload))
	}
	if n := sender.BytesTransferred(); n != uint64(len(payload)) {
		t.Fatalf("Sender counted %d bytes, expected %d", n, len(payload))
	}
	if n := receiver.BytesTransferred(); n != uint64(len(payload)) {
		t.Fatalf("Receiver counted %d bytes, expected %d", n, len(payload))
	}

	if fraction, ok := sender.Progress(); !ok || fraction != 1 {
		t.Fatalf("Sender progress is %f/%t, expected 1/true", fraction, ok)
	}
	if sender.State() != ChannelCompleted || receiver.State() != ChannelCompleted {
		t.Fatalf("States are %v and %v, expected completed", sender.State(), receiver.State())
	}
	if client.ChannelCount() != 0 || server.ChannelCount() != 0 {
		t.Fatal("Completed channels are still registered")
	}
}

func TestChannelFinishTwice(t *testing.T) {
	client, server := testLoopbackPair(t, nil, nil)

	sender, err := client.OpenChannel(context.Background(), DirectionSend, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if _, err := sender.Write(context.Background(), []byte("payload before finish")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := sender.Finish(); err != nil {
		t.Fatalf("First Finish failed: %v", err)
	}

	var closedErr *ChannelAlreadyClosedError
	if err := sender.Finish(); !errors.As(err, &closedErr) {
		t.Fatalf("Second Finish: expected ChannelAlreadyClosedError, got %v", err)
	}

	// The double finish must not have corrupted the data already sent.
	receiver, err := server.OpenChannel(context.Background(), DirectionReceive, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}

	var received bytes.Buffer
	for {
		chunk, err := receiver.Read(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		received.Write(chunk)
	}
	if received.String() != "payload before finish" {
		t.Fatalf("Received %q", received.String())
	}
}

func TestChannelOversizeFrame(t *testing.T) {
	// The server accepts frames up to 1 KiB, the client sends 4 KiB chunks.
	client, server := testLoopbackPair(t, nil, &Options{MaxFrameLength: 1024})

	sender, err := client.OpenChannel(context.Background(), DirectionSend, 4096)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	go func() {
		buf := bytes.Repeat([]byte{0x55}, 4096)
		for {
			if _, err := sender.Write(context.Background(), buf); err != nil {
				return
			}
		}
	}()

	receiver, err := server.OpenChannel(context.Background(), DirectionReceive, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}

	var frameErr *FrameCorruptionError
	if _, err := receiver.Read(context.Background()); !errors.As(err, &frameErr) {
		t.Fatalf("Expected FrameCorruptionError, got %v", err)
	} else if frameErr.Length != 4096 || frameErr.Limit != 1024 {
		t.Fatalf("FrameCorruptionError carries %d/%d", frameErr.Length, frameErr.Limit)
	}

	if receiver.State() != ChannelAborted {
		t.Fatalf("Receiver state is %v, expected aborted", receiver.State())
	}
}

func TestChannelAbortUnblocksReader(t *testing.T) {
	client, server := testLoopbackPair(t, nil, nil)

	sender, err := client.OpenChannel(context.Background(), DirectionSend, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if _, err := sender.Write(context.Background(), []byte("first chunk")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	receiver, err := server.OpenChannel(context.Background(), DirectionReceive, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if chunk, err := receiver.Read(context.Background()); err != nil || string(chunk) != "first chunk" {
		t.Fatalf("First read got %q, %v", chunk, err)
	}

	resultChan := make(chan error, 1)
	go func() {
		_, err := receiver.Read(context.Background())
		resultChan <- err
	}()

	// Give the read a moment to block on the empty stream.
	time.Sleep(100 * time.Millisecond)
	sender.Abort(ErrCancelled)

	select {
	case err := <-resultChan:
		var abortErr *ChannelAbortedError
		if !errors.As(err, &abortErr) {
			t.Fatalf("Expected ChannelAbortedError, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Abort did not unblock the pending read")
	}

	if receiver.State() != ChannelAborted {
		t.Fatalf("Receiver state is %v, expected aborted", receiver.State())
	}
}

func TestChannelAbortUnblocksWriter(t *testing.T) {
	client, server := testLoopbackPair(t, nil, nil)

	sender, err := client.OpenChannel(context.Background(), DirectionSend, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}

	// Nobody reads, so this write runs into the flow-control window and blocks.
	resultChan := make(chan error, 1)
	go func() {
		payload := make([]byte, 32*1024*1024)
		_, err := sender.Write(context.Background(), payload)
		resultChan <- err
	}()

	receiver, err := server.OpenChannel(context.Background(), DirectionReceive, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	receiver.Abort(ErrCancelled)

	select {
	case err := <-resultChan:
		var abortErr *ChannelAbortedError
		if !errors.As(err, &abortErr) {
			t.Fatalf("Expected ChannelAbortedError, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Abort did not unblock the pending write")
	}
}

func TestChannelContextCancelUnblocksWrite(t *testing.T) {
	client, _ := testLoopbackPair(t, nil, nil)

	sender, err := client.OpenChannel(context.Background(), DirectionSend, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	resultChan := make(chan error, 1)
	go func() {
		payload := make([]byte, 32*1024*1024)
		_, err := sender.Write(ctx, payload)
		resultChan <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-resultChan:
		var abortErr *ChannelAbortedError
		if !errors.As(err, &abortErr) {
			t.Fatalf("Expected ChannelAbortedError, got %v", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Abort reason does not carry the context's end: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Context cancellation did not unblock the pending write")
	}
}

func TestSessionForcibleClose(t *testing.T) {
	client, server := testLoopbackPair(t, nil, nil)

	sender, err := client.OpenChannel(context.Background(), DirectionSend, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}

	writeErrChan := make(chan error, 1)
	go func() {
		buf := bytes.Repeat([]byte{0x23}, 64*1024)
		for {
			if _, err := sender.Write(context.Background(), buf); err != nil {
				writeErrChan <- err
				return
			}
		}
	}()

	receiver, err := server.OpenChannel(context.Background(), DirectionReceive, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := receiver.Read(context.Background()); err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
	}

	// Pull the plug mid-transfer.
	if err := server.Close("pulling the plug"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-writeErrChan:
		var abortErr *ChannelAbortedError
		var writeErr *StreamWriteError
		if !errors.As(err, &abortErr) && !errors.As(err, &writeErr) {
			t.Fatalf("Pending write resolved with unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pending write was not unblocked by the close")
	}

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Client session did not notice the close")
	}

	if client.State() != StateClosed {
		t.Fatalf("Client state is %v, expected closed", client.State())
	}
	var peerErr *PeerClosedError
	if err := client.Err(); !errors.As(err, &peerErr) {
		t.Fatalf("Client close reason is %v, expected PeerClosedError", err)
	} else if peerErr.Message != "pulling the plug" {
		t.Fatalf("Close reason did not travel: %q", peerErr.Message)
	}

	var closedErr *SessionClosedError
	if _, err := client.OpenChannel(context.Background(), DirectionSend, 0); !errors.As(err, &closedErr) {
		t.Fatalf("OpenChannel on closed session: expected SessionClosedError, got %v", err)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	client, _ := testLoopbackPair(t, nil, nil)

	channel, err := client.OpenChannel(context.Background(), DirectionSend, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}

	if err := client.Close("first"); err != nil {
		t.Fatalf("First Close failed: %v", err)
	}
	if err := client.Close("second"); err != nil {
		t.Fatalf("Second Close is not a no-op: %v", err)
	}

	if channel.State() != ChannelAborted {
		t.Fatalf("Channel state is %v, expected aborted", channel.State())
	}
	var closedErr *SessionClosedError
	if !errors.As(channel.AbortReason(), &closedErr) {
		t.Fatalf("Abort reason is %v, expected SessionClosedError", channel.AbortReason())
	}
}

func TestSessionReceiveContextDeadline(t *testing.T) {
	_, server := testLoopbackPair(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := server.OpenChannel(ctx, DirectionReceive, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
	}
}

func TestDialFingerprintMismatch(t *testing.T) {
	idServer := testIdentity(t, "server")
	idClient := testIdentity(t, "client")
	idStranger := testIdentity(t, "stranger")

	// The server pins a fingerprint the client does not have.
	trust, err := identity.TrustFingerprints(idStranger.Fingerprint())
	if err != nil {
		t.Fatalf("TrustFingerprints failed: %v", err)
	}
	serverConf, err := identity.BuildServerConfig(idServer, trust)
	if err != nil {
		t.Fatalf("BuildServerConfig failed: %v", err)
	}
	clientConf, err := identity.BuildClientConfig(idClient, identity.TrustAny())
	if err != nil {
		t.Fatalf("BuildClientConfig failed: %v", err)
	}

	listener, err := Listen("127.0.0.1:0", serverConf, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() { _ = listener.Close() }()

	sess, err := Dial(context.Background(), listener.Addr().String(), clientConf, nil)
	if sess != nil {
		t.Fatal("A session came to be despite the fingerprint mismatch")
	}

	var handshakeErr *HandshakeError
	if !errors.As(err, &handshakeErr) {
		t.Fatalf("Expected HandshakeError, got %v", err)
	}
	if handshakeErr.Cause != CauseCertRejected {
		t.Fatalf("Cause is %v, expected certificate rejected", handshakeErr.Cause)
	}
}

func TestDialPinnedFingerprint(t *testing.T) {
	idServer := testIdentity(t, "server")

	serverConf, err := identity.BuildServerConfig(idServer, identity.TrustAny())
	if err != nil {
		t.Fatalf("BuildServerConfig failed: %v", err)
	}

	trust, err := identity.TrustFingerprints(idServer.Fingerprint())
	if err != nil {
		t.Fatalf("TrustFingerprints failed: %v", err)
	}
	clientConf, err := identity.BuildClientConfig(nil, trust)
	if err != nil {
		t.Fatalf("BuildClientConfig failed: %v", err)
	}

	listener, err := Listen("127.0.0.1:0", serverConf, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() { _ = listener.Close() }()

	go func() {
		if sess, err := listener.Accept(context.Background()); err == nil {
			defer func() { _ = sess.Close("test over") }()
		}
	}()

	sess, err := Dial(context.Background(), listener.Addr().String(), clientConf, nil)
	if err != nil {
		t.Fatalf("Dial with matching pin failed: %v", err)
	}
	_ = sess.Close("test over")
}

func TestDialTimeout(t *testing.T) {
	// A bound but silent UDP socket swallows the handshake packets.
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Binding silent socket failed: %v", err)
	}
	defer func() { _ = silent.Close() }()

	clientConf, err := identity.BuildClientConfig(nil, identity.TrustAny())
	if err != nil {
		t.Fatalf("BuildClientConfig failed: %v", err)
	}

	opts := &Options{HandshakeTimeout: 300 * time.Millisecond}
	_, err = Dial(context.Background(), silent.LocalAddr().String(), clientConf, opts)

	var handshakeErr *HandshakeError
	if !errors.As(err, &handshakeErr) {
		t.Fatalf("Expected HandshakeError, got %v", err)
	}
	if handshakeErr.Cause != CauseTimeout {
		t.Fatalf("Cause is %v, expected timeout", handshakeErr.Cause)
	}
}

func TestDialCancelled(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Binding silent socket failed: %v", err)
	}
	defer func() { _ = silent.Close() }()

	clientConf, err := identity.BuildClientConfig(nil, identity.TrustAny())
	if err != nil {
		t.Fatalf("BuildClientConfig failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err = Dial(ctx, silent.LocalAddr().String(), clientConf, &Options{HandshakeTimeout: 10 * time.Second})

	var handshakeErr *HandshakeError
	if !errors.As(err, &handshakeErr) {
		t.Fatalf("Expected HandshakeError, got %v", err)
	}
	if handshakeErr.Cause != CauseCancelled {
		t.Fatalf("Cause is %v, expected cancelled", handshakeErr.Cause)
	}
}

func TestRoleMismatch(t *testing.T) {
	id := testIdentity(t, "node")

	clientConf, err := identity.BuildClientConfig(id, identity.TrustAny())
	if err != nil {
		t.Fatalf("BuildClientConfig failed: %v", err)
	}
	serverConf, err := identity.BuildServerConfig(id, identity.TrustAny())
	if err != nil {
		t.Fatalf("BuildServerConfig failed: %v", err)
	}

	if _, err := Listen("127.0.0.1:0", clientConf, nil); err == nil {
		t.Fatal("Listen accepted a client configuration")
	}
	if _, err := Dial(context.Background(), "127.0.0.1:4433", serverConf, nil); err == nil {
		t.Fatal("Dial accepted a server configuration")
	}
}

func TestChannelDirectionMisuse(t *testing.T) {
	client, server := testLoopbackPair(t, nil, nil)

	sender, err := client.OpenChannel(context.Background(), DirectionSend, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if _, err := sender.Read(context.Background()); err == nil {
		t.Fatal("Read on a sending channel did not fail")
	}

	if _, err := sender.Write(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	receiver, err := server.OpenChannel(context.Background(), DirectionReceive, 0)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if _, err := receiver.Write(context.Background(), []byte("x")); err == nil {
		t.Fatal("Write on a receiving channel did not fail")
	}
	if err := receiver.Finish(); err == nil {
		t.Fatal("Finish on a receiving channel did not fail")
	}
}
