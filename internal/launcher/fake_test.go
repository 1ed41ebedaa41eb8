package launcher

import (
	"sync"
	"time"

	"github.com/brentr/gst-rtsp-launch/internal/framework"
	"github.com/brentr/gst-rtsp-launch/internal/mainloop"
	"github.com/brentr/gst-rtsp-launch/internal/profile"
)

// recorder keeps the order of calls made against the fakes
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeServer struct {
	rec       *recorder
	service   string
	mounts    *fakeMounts
	pool      *fakePool
	attachErr error
	attached  *mainloop.Loop
}

func newFakeServer() *fakeServer {
	rec := &recorder{}
	return &fakeServer{
		rec:     rec,
		service: "8554",
		mounts:  &fakeMounts{rec: rec, factories: make(map[string]framework.MediaFactory)},
		pool:    &fakePool{rec: rec},
	}
}

func (s *fakeServer) SetService(service string) {
	s.rec.add("server.SetService")
	s.service = service
}

func (s *fakeServer) Service() string { return s.service }

func (s *fakeServer) MountPoints() framework.MountPoints {
	s.rec.add("server.MountPoints")
	s.mounts.mu.Lock()
	s.mounts.refs++
	s.mounts.mu.Unlock()
	return s.mounts
}

func (s *fakeServer) SessionPool() framework.SessionPool {
	s.pool.mu.Lock()
	s.pool.refs++
	s.pool.acquired++
	s.pool.mu.Unlock()
	return s.pool
}

func (s *fakeServer) Attach(loop *mainloop.Loop) error {
	s.rec.add("server.Attach")
	if s.attachErr != nil {
		return s.attachErr
	}
	s.attached = loop
	return nil
}

type fakeMounts struct {
	rec       *recorder
	mu        sync.Mutex
	refs      int
	factories map[string]framework.MediaFactory
}

func (m *fakeMounts) AddFactory(path string, factory framework.MediaFactory) {
	m.rec.add("mounts.AddFactory")
	m.factories[path] = factory
}

func (m *fakeMounts) RemoveFactory(path string) {
	delete(m.factories, path)
}

func (m *fakeMounts) Release() {
	m.rec.add("mounts.Release")
	m.mu.Lock()
	m.refs--
	m.mu.Unlock()
}

type fakePool struct {
	rec      *recorder
	mu       sync.Mutex
	refs     int
	acquired int
	cleanups int
	expired  int
}

func (p *fakePool) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups++
	n := p.expired
	p.expired = 0
	return n
}

func (p *fakePool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs--
}

func (p *fakePool) counts() (refs, acquired, cleanups int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs, p.acquired, p.cleanups
}

// fakeFactory has no RTCP capability
type fakeFactory struct {
	rec        *recorder
	profiles   profile.Mask
	rtx        time.Duration
	doRtx      bool
	launch     string
	shared     bool
	setProfile int
}

func newFakeFactory(rec *recorder) *fakeFactory {
	return &fakeFactory{rec: rec, profiles: profile.Default}
}

func (f *fakeFactory) SetProfiles(mask profile.Mask) {
	f.rec.add("factory.SetProfiles")
	f.setProfile++
	f.profiles = mask
}

func (f *fakeFactory) Profiles() profile.Mask { return f.profiles }

func (f *fakeFactory) SetRetransmissionTime(d time.Duration) {
	f.rec.add("factory.SetRetransmissionTime")
	f.rtx = d
	f.doRtx = d > 0
}

func (f *fakeFactory) RetransmissionTime() time.Duration { return f.rtx }
func (f *fakeFactory) DoRetransmission() bool            { return f.doRtx }

func (f *fakeFactory) SetLaunch(launch string) {
	f.rec.add("factory.SetLaunch")
	f.launch = launch
}

func (f *fakeFactory) Launch() string { return f.launch }

func (f *fakeFactory) SetShared(shared bool) {
	f.rec.add("factory.SetShared")
	f.shared = shared
}

func (f *fakeFactory) IsShared() bool { return f.shared }

// rtcpFactory adds the RTCP capability
type rtcpFactory struct {
	*fakeFactory
	rtcp bool
}

func (f *rtcpFactory) SetEnableRTCP(enable bool) {
	f.rec.add("factory.SetEnableRTCP")
	f.rtcp = enable
}

func (f *rtcpFactory) IsRTCPEnabled() bool { return f.rtcp }
