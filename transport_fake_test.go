package occamy

import "sync"

// fakeTransport is an in-memory Transport double used across the package's
// unit tests. It records every frame handed to Send and lets tests drive
// the four observer signals directly, without a real socket.
type fakeTransport struct {
	mu         sync.Mutex
	observers  []TransportObserver
	sent       []string
	connected  bool
	connectErr error
}

func newFakeTransport(observers []TransportObserver) *fakeTransport {
	return &fakeTransport{observers: append([]TransportObserver(nil), observers...)}
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	f.connected = f.connectErr == nil
	err := f.connectErr
	observers := f.snapshotLocked()
	f.mu.Unlock()

	if err != nil {
		return err
	}
	for _, o := range observers {
		o.Opened()
	}
	return nil
}

func (f *fakeTransport) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	f.connected = false
	observers := f.snapshotLocked()
	f.mu.Unlock()

	for _, o := range observers {
		o.Closed(code, reason)
	}
	return nil
}

func (f *fakeTransport) AddObserver(o TransportObserver) {
	f.mu.Lock()
	f.observers = append(f.observers, o)
	f.mu.Unlock()
}

func (f *fakeTransport) RemoveObserver(o TransportObserver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.observers[:0:0]
	for _, existing := range f.observers {
		if existing != o {
			kept = append(kept, existing)
		}
	}
	f.observers = kept
}

func (f *fakeTransport) snapshotLocked() []TransportObserver {
	return append([]TransportObserver(nil), f.observers...)
}

// deliver simulates an inbound text frame arriving from the server.
func (f *fakeTransport) deliver(text string) {
	f.mu.Lock()
	observers := f.snapshotLocked()
	f.mu.Unlock()
	for _, o := range observers {
		o.Message(text)
	}
}

// fireError simulates a transport-level error signal.
func (f *fakeTransport) fireError(err error) {
	f.mu.Lock()
	observers := f.snapshotLocked()
	f.mu.Unlock()
	for _, o := range observers {
		o.Error(err)
	}
}

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// newFakeSocket builds a Socket wired to produce fakeTransport instances on
// Connect/reconnect. Call sock.Connect(), then sock.currentTransport() to
// reach the live fake and drive or inspect it.
func newFakeSocket(opts ...SocketOption) *Socket {
	factory := func(url string, observers []TransportObserver) Transport {
		return newFakeTransport(observers)
	}
	allOpts := append([]SocketOption{WithTransportFactory(factory)}, opts...)
	return NewSocket("ws://example.test/socket", allOpts...)
}

// currentTransport returns the socket's live transport as a *fakeTransport,
// for tests built on newFakeSocket.
func (s *Socket) currentTransport() *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	ft, _ := s.transport.(*fakeTransport)
	return ft
}
