package conversation

import (
	"encoding/json"

	errs "PClient/tools/errs"
)

func encodePayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.ErrSendFailed.WrapMsg("marshal payload")
	}
	return raw, nil
}
