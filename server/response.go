package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ApiResult is the envelope every endpoint speaks: {code:1,msg,data} on
// success, {code:0,msg,data:null} on failure. Callers branch on code, never
// on the transport status alone.
type ApiResult struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

func ok(c echo.Context, data any, msg string) error {
	return c.JSON(http.StatusOK, ApiResult{Code: 1, Msg: msg, Data: data})
}

func fail(c echo.Context, msg string) error {
	return c.JSON(http.StatusOK, ApiResult{Code: 0, Msg: msg, Data: nil})
}

func failErr(c echo.Context, err error) error {
	return fail(c, err.Error())
}
