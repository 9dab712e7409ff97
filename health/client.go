package health

import (
	"errors"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

// Probe performs the external check a container HEALTHCHECK runs. Any
// response other than 200 within timeout is a failure.
func Probe(url string, timeout time.Duration) (*types.HealthReport, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	client := &fasthttp.Client{
		Name:                     "kvserver-healthcheck",
		NoDefaultUserAgentHeader: true,
	}

	if err := client.DoTimeout(req, resp, timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return nil, types.Errorf(types.ErrHealthProbeTimeout, "%s after %v", url, timeout)
		}
		return nil, types.Errorf(types.ErrHealthCheckFailed, "%s: %v", url, err)
	}

	report := &types.HealthReport{}
	if err := utils.Unmarshal(resp.Body(), report); err != nil {
		report = nil
	}

	if resp.StatusCode() != fasthttp.StatusOK {
		return report, types.Errorf(types.ErrHealthCheckFailed, "%s: status %d", url, resp.StatusCode())
	}

	return report, nil
}
