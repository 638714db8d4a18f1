package response

import "github.com/gin-gonic/gin"

const (
	CodeOK               = 0
	CodeBadRequest       = 40000
	CodeInvalidPDF       = 40001
	CodeUnauthorized     = 40100
	CodeUploadNotFound   = 40401
	CodeUploadNotReady   = 40901
	CodeFileTooLarge     = 41300
	CodeInternalServer   = 50000
	CodeSubmitFailed     = 50001
	CodeQueryFailed      = 50002
	CodeDependencyFailed = 50300
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(200, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Accepted(c *gin.Context, message string, data interface{}) {
	c.JSON(202, APIResponse{
		Code:    CodeOK,
		Message: message,
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}
