package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/flight"
	flightgen "github.com/apache/arrow/go/v14/arrow/flight/gen/flight"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/gigapi/gigapi-datasets/core"
	"github.com/gigapi/gigapi-datasets/registry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// flightChunkSize bounds the rows per record batch sent by DoGet.
const flightChunkSize = 64 * 1024

// FlightServer serves registered datasets over Arrow Flight. Datasets are
// addressed by the descriptor path [layer, name, version] and by tickets of
// the form "layer/name/version".
type FlightServer struct {
	flightgen.UnimplementedFlightServiceServer
	registry *registry.Registry
	mem      memory.Allocator
}

// NewFlightServer creates a new Flight server over reg.
func NewFlightServer(reg *registry.Registry) *FlightServer {
	return &FlightServer{
		registry: reg,
		mem:      memory.DefaultAllocator,
	}
}

type datasetRef struct {
	layer   core.Layer
	name    string
	version int64
}

func (d datasetRef) ticket() string {
	return fmt.Sprintf("%s/%s/%d", d.layer, d.name, d.version)
}

func parseRef(parts []string) (datasetRef, error) {
	if len(parts) < 2 || len(parts) > 3 {
		return datasetRef{}, fmt.Errorf("%w: expected layer/name[/version], got %q",
			core.ErrInvalidArgument, strings.Join(parts, "/"))
	}
	layer, err := core.ParseLayer(parts[0])
	if err != nil {
		return datasetRef{}, err
	}
	if err := core.ValidateName(parts[1]); err != nil {
		return datasetRef{}, err
	}
	ref := datasetRef{layer: layer, name: parts[1]}
	if len(parts) == 3 && parts[2] != "" {
		v, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || v <= 0 {
			return datasetRef{}, fmt.Errorf("%w: invalid version %q", core.ErrInvalidArgument, parts[2])
		}
		ref.version = v
	}
	return ref, nil
}

// parseCommand decodes a CMD descriptor: an Any wrapping a Struct with
// layer, name and an optional numeric version.
func parseCommand(cmd []byte) (datasetRef, error) {
	msg := &anypb.Any{}
	if err := proto.Unmarshal(cmd, msg); err != nil {
		return datasetRef{}, core.Wrap(core.ErrInvalidArgument, fmt.Errorf("failed to unmarshal command: %w", err))
	}
	st := &structpb.Struct{}
	if err := msg.UnmarshalTo(st); err != nil {
		return datasetRef{}, core.Wrap(core.ErrInvalidArgument, fmt.Errorf("unsupported command %s: %w", msg.TypeUrl, err))
	}
	fields := st.GetFields()
	parts := []string{fields["layer"].GetStringValue(), fields["name"].GetStringValue()}
	if v, ok := fields["version"]; ok {
		parts = append(parts, strconv.FormatInt(int64(v.GetNumberValue()), 10))
	}
	return parseRef(parts)
}

// NewDatasetCommand builds a CMD descriptor payload for parseCommand.
func NewDatasetCommand(layer core.Layer, name string, version int64) ([]byte, error) {
	fields := map[string]any{"layer": string(layer), "name": name}
	if version > 0 {
		fields["version"] = version
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	msg, err := anypb.New(st)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

func (s *FlightServer) refFromDescriptor(desc *flight.FlightDescriptor) (datasetRef, error) {
	if desc == nil {
		return datasetRef{}, fmt.Errorf("%w: missing descriptor", core.ErrInvalidArgument)
	}
	switch desc.Type {
	case flight.DescriptorPATH:
		return parseRef(desc.Path)
	case flight.DescriptorCMD:
		return parseCommand(desc.Cmd)
	}
	return datasetRef{}, fmt.Errorf("%w: unsupported flight descriptor type: %v", core.ErrInvalidArgument, desc.Type)
}

// resolve pins an unversioned ref to the latest version.
func (s *FlightServer) resolve(ctx context.Context, ref datasetRef) (*core.DatasetRecord, error) {
	if ref.version == 0 {
		v, err := s.registry.Catalog.LatestVersion(ctx, ref.name, ref.layer)
		if err != nil {
			return nil, err
		}
		ref.version = v
	}
	return s.registry.Catalog.Resolve(ctx, ref.name, ref.layer, ref.version)
}

func flightInfo(rec *core.DatasetRecord) *flight.FlightInfo {
	ref := datasetRef{layer: rec.Layer, name: rec.Name, version: rec.Version}
	return &flight.FlightInfo{
		FlightDescriptor: &flight.FlightDescriptor{
			Type: flight.DescriptorPATH,
			Path: []string{string(rec.Layer), rec.Name, strconv.FormatInt(rec.Version, 10)},
		},
		Endpoint: []*flight.FlightEndpoint{
			{Ticket: &flight.Ticket{Ticket: []byte(ref.ticket())}},
		},
		TotalRecords: rec.RowCount,
		TotalBytes:   rec.SizeBytes,
	}
}

// grpcError maps error kinds to gRPC status codes.
func grpcError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, core.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, core.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, core.ErrCatalogUnavailable):
		code = codes.Unavailable
	case errors.Is(err, core.ErrCorruptFile):
		code = codes.DataLoss
	}
	return status.Error(code, err.Error())
}

// ListFlights streams one FlightInfo per catalog record. A criteria
// expression of "layer" or "layer/name" narrows the listing.
func (s *FlightServer) ListFlights(criteria *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	ctx := core.WithDefaultLogger(stream.Context(), "flight-list")
	var filter core.ListFilter
	if expr := strings.TrimSpace(string(criteria.GetExpression())); expr != "" {
		parts := strings.SplitN(expr, "/", 2)
		layer, err := core.ParseLayer(parts[0])
		if err != nil {
			return grpcError(err)
		}
		filter.Layer = &layer
		if len(parts) == 2 {
			filter.Name = parts[1]
		}
	}
	records, err := s.registry.ListDatasets(ctx, filter)
	if err != nil {
		return grpcError(err)
	}
	for _, rec := range records {
		if err := stream.Send(flightInfo(rec)); err != nil {
			return err
		}
	}
	return nil
}

// GetFlightInfo resolves a dataset descriptor into its ticket.
func (s *FlightServer) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	ctx = core.WithDefaultLogger(ctx, "flight-info")
	ref, err := s.refFromDescriptor(desc)
	if err != nil {
		return nil, grpcError(err)
	}
	rec, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, grpcError(err)
	}
	core.Debugf(ctx, "GetFlightInfo resolved %s", datasetRef{rec.Layer, rec.Name, rec.Version}.ticket())
	return flightInfo(rec), nil
}

// GetSchema returns the Arrow schema of the dataset, read from its file.
func (s *FlightServer) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	ctx = core.WithDefaultLogger(ctx, "flight-schema")
	ref, err := s.refFromDescriptor(desc)
	if err != nil {
		return nil, grpcError(err)
	}
	var opts []registry.ReadOption
	if ref.version > 0 {
		opts = append(opts, registry.AtVersion(ref.version))
	}
	tbl, _, err := s.registry.ReadDataset(ctx, ref.name, ref.layer, opts...)
	if err != nil {
		return nil, grpcError(err)
	}
	defer tbl.Release()
	return &flight.SchemaResult{Schema: flight.SerializeSchema(tbl.Schema(), s.mem)}, nil
}

// DoGet streams the dataset named by the ticket as Arrow IPC.
func (s *FlightServer) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	ctx := core.WithDefaultLogger(stream.Context(), "flight-get")
	ref, err := parseRef(strings.Split(string(ticket.GetTicket()), "/"))
	if err != nil {
		return grpcError(err)
	}
	if ref.version == 0 {
		return grpcError(fmt.Errorf("%w: ticket needs a version", core.ErrInvalidArgument))
	}
	tbl, _, err := s.registry.ReadDataset(ctx, ref.name, ref.layer, registry.AtVersion(ref.version))
	if err != nil {
		return grpcError(err)
	}
	defer tbl.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(tbl.Schema()), ipc.WithAllocator(s.mem))
	reader := array.NewTableReader(tbl, flightChunkSize)
	defer reader.Release()
	for reader.Next() {
		if err := writer.Write(reader.Record()); err != nil {
			core.Errorf(ctx, "Failed to write record batch: %v", err)
			return fmt.Errorf("failed to write record batch: %w", err)
		}
	}
	core.Infof(ctx, "Streamed %s, %d rows", ref.ticket(), tbl.NumRows())
	return writer.Close()
}

// NewGRPCServer returns a gRPC server with the Flight service registered.
func NewGRPCServer(reg *registry.Registry, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	flightgen.RegisterFlightServiceServer(s, NewFlightServer(reg))
	reflection.Register(s)
	return s
}

// StartFlightServer serves Flight on port until the listener fails.
func StartFlightServer(ctx context.Context, port int, reg *registry.Registry) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s := NewGRPCServer(reg)
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	core.Infof(ctx, "Flight server listening on port %d", port)
	return s.Serve(lis)
}
