package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/board-api/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	e.POST("/api/boards/:boardId/moves", moveItem(d))
	e.GET("/api/boards/:boardId/items", listItems(d))
	e.POST("/api/boards/:boardId/items", createItem(d))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// errorStatus maps domain errors to an HTTP status and stable error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidTarget):
		return http.StatusUnprocessableEntity, "invalid_target"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(c echo.Context, err error) error {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
		msg = "internal error"
	}
	return c.JSON(status, errorResponse{Error: code, Message: msg})
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, moveMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func moveItem(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMoveRequestMetrics(ctx, d.Logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		var failure error
		defer func() {
			metrics.Log(c.Response().Status, failure)
		}()

		authStart := time.Now()
		userID, authErr := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			failure = authErr
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthenticated", Message: authErr.Error()})
		}

		decodeStart := time.Now()
		var body moveRequest
		decodeErr := decodeBody(c, &body)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			metrics.SetErrorStage("decode")
			failure = decodeErr
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "validation", Message: "invalid body"})
		}
		req := domain.ReorderRequest{
			ActorID:             userID,
			BoardID:             c.Param("boardId"),
			ItemID:              body.ItemID,
			SourceParentID:      body.SourceParentID,
			DestinationParentID: body.DestinationParentID,
			BeforeID:            body.BeforeID,
			AfterID:             body.AfterID,
			OriginHandle:        c.Request().Header.Get(headerSession),
		}
		metrics.SetCrossParent(req.SourceParentID != req.DestinationParentID)

		key := c.Request().Header.Get(headerIdempotency)
		if key != "" && d.Results != nil {
			if cached, ok, lerr := d.Results.Lookup(ctx, userID, key); lerr != nil {
				d.Logger.WithError(lerr).Warn("idempotency lookup failed; processing move")
			} else if ok {
				metrics.SetReplayed(true)
				return c.JSONBlob(http.StatusOK, cached)
			}
			claimed, cerr := d.Results.Claim(ctx, userID, key)
			if cerr != nil {
				d.Logger.WithError(cerr).Warn("idempotency claim failed; processing move")
				key = ""
			} else if !claimed {
				metrics.SetErrorStage("idempotency")
				return c.JSON(http.StatusConflict, errorResponse{Error: "in_progress", Message: "a request with this idempotency key is in progress"})
			}
		} else {
			key = ""
		}

		coordStart := time.Now()
		res, moveErr := d.Mover.Reorder(ctx, req)
		metrics.ObserveCoordinate(time.Since(coordStart))
		if moveErr != nil {
			if key != "" {
				if rerr := d.Results.Release(context.WithoutCancel(ctx), userID, key); rerr != nil {
					d.Logger.WithError(rerr).Errorf("idempotency release failed, key: %s, user: %s", key, userID)
				}
			}
			metrics.SetErrorStage("coordinate")
			failure = moveErr
			return writeError(c, moveErr)
		}
		metrics.SetVersion(res.Version)

		encodeStart := time.Now()
		payload, encErr := sonic.Marshal(res)
		if encErr != nil {
			metrics.SetErrorStage("encode_response")
			failure = encErr
			return writeError(c, encErr)
		}
		if key != "" {
			if serr := d.Results.Complete(context.WithoutCancel(ctx), userID, key, payload); serr != nil {
				d.Logger.WithError(serr).Warn("failed to store idempotent move result")
			}
		}
		err = c.JSONBlob(http.StatusOK, payload)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
			failure = err
		}
		return err
	}
}

func (d Deps) member(ctx context.Context, userID, boardID string) error {
	if d.Members == nil {
		return nil
	}
	ok, err := d.Members.IsBoardMember(ctx, userID, boardID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrUnauthorized
	}
	return nil
}

func listItems(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthenticated", Message: err.Error()})
		}
		boardID := c.Param("boardId")
		if err := d.member(ctx, userID, boardID); err != nil {
			return writeError(c, err)
		}
		items, err := d.Items.ListBoard(ctx, boardID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, groupBoard(boardID, items))
	}
}

func createItem(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthenticated", Message: err.Error()})
		}
		var body createItemRequest
		if err := decodeBody(c, &body); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "validation", Message: "invalid body"})
		}
		if body.ID == "" {
			body.ID = uuid.NewString()
		}
		boardID := c.Param("boardId")
		if body.Kind == domain.KindList && body.ParentID == "" {
			body.ParentID = boardID
		}
		created, err := d.Mover.Append(ctx, userID, domain.OrderedItem{
			ID:       body.ID,
			BoardID:  boardID,
			ParentID: body.ParentID,
			Kind:     body.Kind,
		})
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, created)
	}
}
