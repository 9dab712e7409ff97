package utils

import (
	"github.com/valyala/fasthttp"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func setNoCache(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")
}

func echoRequestID(ctx *fasthttp.RequestCtx) {
	if requestID := string(ctx.Request.Header.Peek("X-Request-ID")); requestID != "" {
		ctx.Response.Header.Set("X-Request-ID", requestID)
	}
}

// WriteJSON encodes body with sonic and writes it with the given status.
func WriteJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	data, err := Marshal(body)
	if err != nil {
		CreateErrorResponse(ctx)
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	echoRequestID(ctx)
	ctx.SetBody(data)
}

func WriteError(ctx *fasthttp.RequestCtx, status int, message string) {
	data, err := Marshal(errorBody{Error: message})
	if err != nil {
		CreateErrorResponse(ctx)
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	setNoCache(ctx)
	echoRequestID(ctx)
	ctx.SetBody(data)
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetContentType("application/json")
	setNoCache(ctx)
	echoRequestID(ctx)
	ctx.SetBodyString(`{"error":"Internal Server Error","message":"An unexpected error occurred"}`)
}

func CreateServiceUnavailableResponse(ctx *fasthttp.RequestCtx, message string) {
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	ctx.SetContentType("application/json")
	setNoCache(ctx)
	echoRequestID(ctx)

	data, err := Marshal(errorBody{Error: "Service Unavailable", Message: message})
	if err != nil {
		ctx.SetBodyString(`{"error":"Service Unavailable"}`)
		return
	}
	ctx.SetBody(data)
}
