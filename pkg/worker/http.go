package worker

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/srand/grid/pkg/comm"
	"github.com/srand/grid/pkg/log"
	"github.com/srand/grid/pkg/protocol"
	"github.com/srand/grid/pkg/utils"
	"golang.org/x/sync/semaphore"
)

// NewHttpServer creates the worker's HTTP surface: the peer
// get-data endpoint, the coordinator command endpoint and the
// diagnostic endpoints.
//
// Commands arriving over HTTP are handed to deliver, which feeds
// them into the worker's coordinator connection.
func NewHttpServer(w *Worker, deliver func(protocol.Command)) *echo.Echo {
	server := echo.New()
	server.HideBanner = true
	server.HidePort = true
	server.Use(utils.HttpLogger)

	// Inbound get-data capacity. Requests beyond it are answered
	// busy instead of queued, so that a loaded worker sheds
	// transfer work onto other replica holders.
	inflight := semaphore.NewWeighted(int64(w.config.TotalInConnections))

	server.POST("/data", func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		var request protocol.GetDataRequest
		if err := comm.DecodeFrame(body, &request); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		if !inflight.TryAcquire(1) {
			return sendDataResponse(c, &protocol.GetDataResponse{
				Status: protocol.GetDataBusy,
			})
		}
		defer inflight.Release(1)

		start := time.Now()
		response := &protocol.GetDataResponse{
			Status: protocol.GetDataOK,
			Data:   map[string][]byte{},
		}

		var nbytes int64
		for _, key := range request.Keys {
			value, err := w.data.Get(key)
			if err != nil {
				response.Missing = append(response.Missing, key)
				response.Status = protocol.GetDataPartial
				continue
			}
			response.Data[key] = value
			nbytes += int64(len(value))
		}

		w.outgoing.Append(&TransferEntry{
			Peer:   c.RealIP(),
			Keys:   request.Keys,
			NBytes: nbytes,
			Start:  start,
			Stop:   time.Now(),
			Status: string(response.Status),
		})
		w.metrics.TransfersOut.Inc()
		w.metrics.BytesOut.Add(float64(nbytes))

		return sendDataResponse(c, response)
	})

	server.POST("/command", func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		cmd, err := protocol.DecodeCommand(body)
		if err != nil {
			log.DebugError(err)
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		deliver(cmd)
		return c.NoContent(http.StatusAccepted)
	})

	server.GET("/tasks", func(c echo.Context) error {
		return c.JSON(http.StatusOK, w.machine.Tasks())
	})

	server.GET("/tasks/:key", func(c echo.Context) error {
		key := c.Param("key")
		state := w.machine.StateOf(key)
		if state == protocol.TaskForgotten {
			return echo.NewHTTPError(http.StatusNotFound, utils.ErrNotFound.Error())
		}
		return c.JSON(http.StatusOK, map[string]string{
			"key":   key,
			"state": string(state),
		})
	})

	server.GET("/story", func(c echo.Context) error {
		if stimulus := c.QueryParam("stimulus"); stimulus != "" {
			return c.JSON(http.StatusOK, w.story.QueryStimulus(stimulus))
		}
		return c.JSON(http.StatusOK, w.story.Query(c.QueryParams()["key"]...))
	})

	server.GET("/transfers", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string][]*TransferEntry{
			"incoming": w.incoming.Entries(),
			"outgoing": w.outgoing.Entries(),
		})
	})

	server.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{})))

	return server
}

func sendDataResponse(c echo.Context, response *protocol.GetDataResponse) error {
	frame, err := comm.EncodeFrame(response)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, "application/zstd", frame)
}
