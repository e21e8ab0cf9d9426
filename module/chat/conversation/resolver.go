package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"PClient/module/chat/model"
	"PClient/tools/decode"
	errs "PClient/tools/errs"
)

// Profile 档案补全结果。
type Profile struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// ProfileResolver 首次联系时异步补全对端名称/头像。
type ProfileResolver interface {
	Resolve(ctx context.Context, peerID string, ct model.ConvType) (*Profile, error)
}

// HTTPResolver 走网关侧用户/群档案接口。
type HTTPResolver struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type profileEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (r *HTTPResolver) Resolve(ctx context.Context, peerID string, ct model.ConvType) (*Profile, error) {
	path := "/v1/user/profile"
	if ct == model.ConvTypeGroup {
		path = "/v1/group/profile"
	}
	q := url.Values{}
	q.Set("id", peerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, errs.ErrProfileResolve.WrapMsg("request", "peer", peerID)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.ErrProfileResolve.WrapMsg("read body", "peer", peerID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.ErrProfileResolve.WrapMsg("bad status", "peer", peerID, "status", resp.StatusCode)
	}
	var env profileEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errs.ErrProfileResolve.WrapMsg("bad envelope", "peer", peerID)
	}
	if env.Code != 0 {
		return nil, errs.ErrProfileResolve.WrapMsg("server error", "code", env.Code, "msg", env.Msg)
	}
	p, err := decode.DecodeRaw[Profile](env.Data)
	if err != nil {
		return nil, errs.ErrProfileResolve.WrapMsg(fmt.Sprintf("decode profile: %v", err))
	}
	return p, nil
}
