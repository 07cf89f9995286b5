// Package node serves proof-carrying blocks to compact state nodes over
// TCP.  The protocol is height driven: on connect the server pushes its tip
// height, then the client asks for heights one at a time and gets back a
// length-prefixed block followed by its proof bundle.
package node

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/m-kus/rpc-utreexo-bridge/blockstore"
	"github.com/m-kus/rpc-utreexo-bridge/chainview"
)

// Config wires a Server up.
type Config struct {
	// ListenAddr is the TCP address to serve on, e.g. ":8338".
	ListenAddr string

	// View maps heights to block hashes and knows the tip.
	View *chainview.View

	// Blocks holds raw blocks by hash; Proofs holds proof bundles by
	// height.  Both are written by the prover and only read here.
	Blocks *blockstore.Store
	Proofs *blockstore.Store
}

// Server hands out blocks with their proofs.  Start it once; Stop closes
// the listener and waits for in-flight connections to finish.
type Server struct {
	cfg      Config
	listener net.Listener

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns an unstarted server.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, quit: make(chan struct{})}
}

// Start binds the listen address and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("block server listen: %w", err)
	}
	s.listener = listener
	log.Infof("block server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address.  Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and all connections.  Safe to call twice.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
			default:
				log.Errorf("block server accept: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn speaks the push protocol with one client.  Connections are
// torn down on the first error; clients reconnect and re-ask.
func (s *Server) serveConn(c net.Conn) {
	defer s.wg.Done()
	defer c.Close()

	// stop unblocks pending reads when the server shuts down
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.quit:
			c.Close()
		case <-done:
		}
	}()

	log.Debugf("serving %s", c.RemoteAddr())

	tip, ok := s.cfg.View.Tip()
	if !ok {
		log.Warnf("no tip yet, dropping %s", c.RemoteAddr())
		return
	}
	// first thing the client learns is how far it can ask
	if err := binary.Write(c, binary.BigEndian, tip.Height); err != nil {
		return
	}

	var height int32
	for {
		if err := binary.Read(c, binary.BigEndian, &height); err != nil {
			return
		}
		if err := s.pushBlock(c, height); err != nil {
			log.Debugf("push height %d to %s: %v",
				height, c.RemoteAddr(), err)
			return
		}
	}
}

// pushBlock sends one height: 4 byte total length, the raw block, then the
// proof bundle.  The block is self delimiting so the client can split them.
func (s *Server) pushBlock(c net.Conn, height int32) error {
	hash, err := s.cfg.View.HashAtHeight(height)
	if err != nil {
		return err
	}
	blkBytes, err := s.cfg.Blocks.Get(hash[:])
	if err != nil {
		return err
	}
	// a block can land a moment before its bundle; dropping the conn here
	// just makes the client re-ask
	udBytes, err := s.cfg.Proofs.Get(blockstore.HeightKey(height))
	if err != nil {
		return err
	}

	err = binary.Write(c, binary.BigEndian, uint32(len(blkBytes)+len(udBytes)))
	if err != nil {
		return err
	}
	if _, err := c.Write(blkBytes); err != nil {
		return err
	}
	_, err = c.Write(udBytes)
	return err
}
