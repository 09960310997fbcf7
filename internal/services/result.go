package services

// 统一结果码。批处理/进程型调用方可把 Code 映射为退出码。
const (
	CodeOK              = "OK"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeRiskRejected    = "RISK_REJECTED"
	CodeRetryable       = "RETRYABLE"
	CodeFatal           = "FATAL"
	CodeLockTimeout     = "LOCK_TIMEOUT"
)

// Result 公共操作的统一返回形状。
// 风控拒绝与对账不一致走结构化结果而非 error，编排策略不靠异常控制流。
type Result struct {
	OK   bool   `json:"ok"`
	Code string `json:"code"`
	Data any    `json:"data,omitempty"`
	Err  string `json:"error,omitempty"`
}

func okResult(data any) Result {
	return Result{OK: true, Code: CodeOK, Data: data}
}

func errResult(code string, err error, data any) Result {
	r := Result{OK: false, Code: code, Data: data}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}
