package admin

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
)

const (
	// ServiceName is the fully-qualified name of the admin service.
	ServiceName = "knot.admin.v1.AdminService"

	GetRoomProcedure   = "/knot.admin.v1.AdminService/GetRoom"
	ListRoomsProcedure = "/knot.admin.v1.AdminService/ListRooms"
	GetRecordProcedure = "/knot.admin.v1.AdminService/GetRecord"
	StatsProcedure     = "/knot.admin.v1.AdminService/Stats"
)

// AdminServiceHandler is implemented by Service.
type AdminServiceHandler interface {
	GetRoom(context.Context, *connect.Request[GetRoomRequest]) (*connect.Response[GetRoomResponse], error)
	ListRooms(context.Context, *connect.Request[ListRoomsRequest]) (*connect.Response[ListRoomsResponse], error)
	GetRecord(context.Context, *connect.Request[GetRecordRequest]) (*connect.Response[GetRecordResponse], error)
	Stats(context.Context, *connect.Request[StatsRequest]) (*connect.Response[StatsResponse], error)
}

// NewAdminServiceHandler builds an HTTP handler for svc and returns the path to mount it on.
func NewAdminServiceHandler(svc AdminServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	getRoom := connect.NewUnaryHandler(GetRoomProcedure, svc.GetRoom, opts...)
	listRooms := connect.NewUnaryHandler(ListRoomsProcedure, svc.ListRooms, opts...)
	getRecord := connect.NewUnaryHandler(GetRecordProcedure, svc.GetRecord, opts...)
	stats := connect.NewUnaryHandler(StatsProcedure, svc.Stats, opts...)

	return "/" + ServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case GetRoomProcedure:
			getRoom.ServeHTTP(w, r)
		case ListRoomsProcedure:
			listRooms.ServeHTTP(w, r)
		case GetRecordProcedure:
			getRecord.ServeHTTP(w, r)
		case StatsProcedure:
			stats.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// Client calls the admin service.
type Client struct {
	getRoom   *connect.Client[GetRoomRequest, GetRoomResponse]
	listRooms *connect.Client[ListRoomsRequest, ListRoomsResponse]
	getRecord *connect.Client[GetRecordRequest, GetRecordResponse]
	stats     *connect.Client[StatsRequest, StatsResponse]
}

// NewClient creates an admin client for the server at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &Client{
		getRoom:   connect.NewClient[GetRoomRequest, GetRoomResponse](httpClient, baseURL+GetRoomProcedure, opts...),
		listRooms: connect.NewClient[ListRoomsRequest, ListRoomsResponse](httpClient, baseURL+ListRoomsProcedure, opts...),
		getRecord: connect.NewClient[GetRecordRequest, GetRecordResponse](httpClient, baseURL+GetRecordProcedure, opts...),
		stats:     connect.NewClient[StatsRequest, StatsResponse](httpClient, baseURL+StatsProcedure, opts...),
	}
}

func (c *Client) GetRoom(ctx context.Context, req *connect.Request[GetRoomRequest]) (*connect.Response[GetRoomResponse], error) {
	return c.getRoom.CallUnary(ctx, req)
}

func (c *Client) ListRooms(ctx context.Context, req *connect.Request[ListRoomsRequest]) (*connect.Response[ListRoomsResponse], error) {
	return c.listRooms.CallUnary(ctx, req)
}

func (c *Client) GetRecord(ctx context.Context, req *connect.Request[GetRecordRequest]) (*connect.Response[GetRecordResponse], error) {
	return c.getRecord.CallUnary(ctx, req)
}

func (c *Client) Stats(ctx context.Context, req *connect.Request[StatsRequest]) (*connect.Response[StatsResponse], error) {
	return c.stats.CallUnary(ctx, req)
}
