package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	errs "github.com/Blazheiko/partygate/tools/errs"
)

// MountHTTP registers every (method, path) row of the dispatch table on a
// gin router. The same admission/validation/middleware pipeline runs for
// HTTP rows as for event rows; only the envelope framing differs.
func MountHTTP(r gin.IRouter, d *Dispatcher) {
	for _, rd := range d.table.HTTP {
		rd := rd
		r.Handle(rd.Method, "/"+rd.URL, httpHandler(d, rd))
	}
}

func httpHandler(d *Dispatcher, rd *RouteDescriptor) gin.HandlerFunc {
	return func(c *gin.Context) {
		if dec := d.admission.Check(c.Request.Context(), c.ClientIP(), rd); !dec.Allowed {
			c.Header("Retry-After", strconv.Itoa(dec.RetryAfter))
			writeError(c, errs.ErrRateLimited.WithMsg(
				fmt.Sprintf("too many requests, retry after %d seconds", dec.RetryAfter)))
			return
		}

		payload := map[string]any{}
		if c.Request.Body != nil && c.Request.ContentLength != 0 {
			if err := json.NewDecoder(c.Request.Body).Decode(&payload); err != nil {
				writeError(c, errs.ErrValidationFailed.WithMessages([]string{"body must be a JSON object"}))
				return
			}
		}
		if rd.Validator != nil {
			if messages := rd.Validator.Validate(payload); len(messages) > 0 {
				writeError(c, errs.ErrValidationFailed.WithMessages(messages))
				return
			}
		}

		params := make(map[string]string, len(rd.ParamNames))
		for _, name := range rd.ParamNames {
			params[name] = c.Param(name)
		}

		ctx := &Context{
			Ctx:     c.Request.Context(),
			Route:   rd,
			Event:   rd.Key(),
			Payload: payload,
			Params:  params,
			Caller: Caller{
				UserID:     c.GetString("userID"),
				SessionID:  c.GetString("sessionID"),
				RemoteAddr: c.ClientIP(),
			},
		}

		result, ce := d.Execute(ctx)
		if ce != nil {
			writeError(c, ce)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": errs.CodeOK, "payload": result})
	}
}

func writeError(c *gin.Context, ce *errs.CodeError) {
	c.AbortWithStatusJSON(httpStatus(ce.Code), gin.H{
		"status": ce.Code,
		"error":  gin.H{"code": ce.Code, "message": ce.Msg, "messages": ce.Messages},
	})
}

// httpStatus maps wire codes onto transport statuses; the reserved 4xxx
// session range is an HTTP 401.
func httpStatus(code int) int {
	if code >= errs.CodeServiceRangeStart {
		return http.StatusUnauthorized
	}
	return code
}
