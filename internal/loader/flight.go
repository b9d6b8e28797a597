package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-tandem/internal/logger"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// DefaultPort is where serve-weights listens unless told otherwise.
const DefaultPort = 3000

// Store serves a Map over Arrow Flight. Each tensor is one flight whose
// ticket is the tensor name.
type Store struct {
	flight.BaseFlightServer

	weights *Map
	mem     memory.Allocator
	server  flight.Server
}

func NewStore(m *Map) *Store {
	return &Store{
		weights: m,
		mem:     memory.NewGoAllocator(),
	}
}

// Listen binds addr and registers the Flight service. Serve must be called
// to accept connections.
func (s *Store) Listen(addr string) error {
	s.server = flight.NewServerWithMiddleware(nil)
	if err := s.server.Init(addr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.server.RegisterFlightService(s)
	return nil
}

func (s *Store) Addr() net.Addr { return s.server.Addr() }

// Serve blocks until Shutdown.
func (s *Store) Serve() error {
	s.log().Info("Serving weights", "addr", s.server.Addr().String(), "tensors", s.weights.Len())
	return s.server.Serve()
}

func (s *Store) Shutdown() {
	if s.server != nil {
		s.server.Shutdown()
	}
}

func (s *Store) ListFlights(_ *flight.Criteria, fs flight.FlightService_ListFlightsServer) error {
	schema := flight.SerializeSchema(Schema, s.mem)
	for _, e := range s.weights.Entries() {
		info := &flight.FlightInfo{
			Schema:           schema,
			FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{e.Name}},
			Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: []byte(e.Name)}}},
			TotalRecords:     1,
			TotalBytes:       int64(len(e.Data)),
		}
		if err := fs.Send(info); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	name := string(tkt.GetTicket())
	e, ok := s.weights.Get(name)
	if !ok {
		return status.Errorf(codes.NotFound, "weight %s not found", name)
	}
	rec := NewRecord(s.mem, []*Entry{e})
	defer rec.Release()

	w := flight.NewRecordWriter(fs, ipc.WithSchema(Schema), ipc.WithAllocator(s.mem))
	defer w.Close()
	if err := w.Write(rec); err != nil {
		return err
	}
	s.log().Debug("Served weight", "name", name, "bytes", len(e.Data))
	return nil
}

// Remote is a Loader that pulls each parameter from a Store on demand.
type Remote struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// Dial connects to a Store at addr (host:port).
func Dial(addr string) (*Remote, error) {
	c, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &Remote{client: c, addr: addr, timeout: 30 * time.Second}, nil
}

func (r *Remote) SetTimeout(d time.Duration) { r.timeout = d }

func (r *Remote) Close() error { return r.client.Close() }

// Fetch retrieves one entry by name.
func (r *Remote) Fetch(ctx context.Context, name string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stream, err := r.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, r.wrap(name, err)
	}
	rd, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, r.wrap(name, err)
	}
	defer rd.Release()

	if !rd.Next() {
		if err := rd.Err(); err != nil && !errors.Is(err, io.EOF) {
			return nil, r.wrap(name, err)
		}
		return nil, fmt.Errorf("%w: %s (empty stream)", ErrNotFound, name)
	}
	entries, err := Entries(rd.Record())
	if err != nil {
		return nil, err
	}
	if len(entries) != 1 || entries[0].Name != name {
		return nil, fmt.Errorf("weights: %s: store answered with %d entries", name, len(entries))
	}
	return entries[0], nil
}

// List returns the names the store serves.
func (r *Remote) List(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stream, err := r.client.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, r.wrap("", err)
	}
	var names []string
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, r.wrap("", err)
		}
		names = append(names, info.GetFlightDescriptor().GetPath()...)
	}
}

func (r *Remote) Load(t *tensor.Tensor) error {
	e, err := r.Fetch(context.Background(), t.Name())
	if err != nil {
		return err
	}
	return Apply(e, t)
}

func (r *Remote) wrap(name string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return fmt.Errorf("weights %s via %s: %w", name, r.addr, err)
}

// log resolves the component logger on use so later logger.Setup or
// logger.SetOutput calls take effect.
func (s *Store) log() *logger.Logger { return logger.Log.With("component", "weight_store") }
