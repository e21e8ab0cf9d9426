package call

import (
	"encoding/json"

	"PClient/service/transport"
	errs "PClient/tools/errs"
)

func encodeSignal(p *transport.CallSignalPayload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errs.ErrSendFailed.WrapMsg("marshal signal", "call", p.CallID)
	}
	return raw, nil
}
