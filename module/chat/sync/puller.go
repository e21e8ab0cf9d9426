package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"PClient/service/transport"
	"PClient/tools/decode"
	errs "PClient/tools/errs"
)

// BackfillAPI 补拉接口。对账器只关心两件事：
// 拉一段序列区间的消息，以及问服务端当前水位。
type BackfillAPI interface {
	// PullOfflineMessages 拉取 seq 落在 [from, to) 的消息，按 seq 升序。
	PullOfflineMessages(ctx context.Context, accountID string, from, to int64) ([]*transport.MessagePayload, error)
	// GetCurrentSeq 服务端为该账号分配到的最大序列号。
	GetCurrentSeq(ctx context.Context, accountID string) (int64, error)
}

// HTTPBackfill 走网关侧 HTTP 接口的实现。
type HTTPBackfill struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPBackfill(baseURL string) *HTTPBackfill {
	return &HTTPBackfill{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// 网关响应信封：{code, msg, data}
type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type pullResult struct {
	Messages []*transport.MessagePayload `json:"messages"`
}

type maxSeqResult struct {
	MaxSeq int64 `json:"max_seq"`
}

func (h *HTTPBackfill) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, errs.ErrBackfillFailed.WrapMsg("request", "path", path)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errs.ErrBackfillFailed.WrapMsg("read body", "path", path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.ErrBackfillFailed.WrapMsg("bad status", "path", path, "status", resp.StatusCode)
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errs.ErrBackfillFailed.WrapMsg("bad envelope", "path", path)
	}
	if env.Code != 0 {
		return nil, errs.ErrBackfillFailed.WrapMsg("server error", "code", env.Code, "msg", env.Msg)
	}
	return env.Data, nil
}

func (h *HTTPBackfill) PullOfflineMessages(ctx context.Context, accountID string, from, to int64) ([]*transport.MessagePayload, error) {
	q := url.Values{}
	q.Set("account", accountID)
	q.Set("from", strconv.FormatInt(from, 10))
	q.Set("to", strconv.FormatInt(to, 10))
	data, err := h.get(ctx, "/v1/chat/pull", q)
	if err != nil {
		return nil, err
	}
	res, err := decode.DecodeRaw[pullResult](data)
	if err != nil {
		return nil, errs.ErrBackfillFailed.WrapMsg(fmt.Sprintf("decode pull result: %v", err))
	}
	return res.Messages, nil
}

func (h *HTTPBackfill) GetCurrentSeq(ctx context.Context, accountID string) (int64, error) {
	q := url.Values{}
	q.Set("account", accountID)
	data, err := h.get(ctx, "/v1/chat/maxseq", q)
	if err != nil {
		return 0, err
	}
	res, err := decode.DecodeRaw[maxSeqResult](data)
	if err != nil {
		return 0, errs.ErrBackfillFailed.WrapMsg(fmt.Sprintf("decode maxseq: %v", err))
	}
	return res.MaxSeq, nil
}
