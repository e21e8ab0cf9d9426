package errs

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestWrapMsgKeepsCodeAndAppendsDetail(t *testing.T) {
	err := ErrBackfillFailed.WrapMsg("pull", "from", 10, "to", 15)
	if !IsCode(err, SyncBackfillError) {
		t.Fatalf("code lost: %v", err)
	}
	if !strings.Contains(err.Error(), "from=10") {
		t.Fatalf("detail lost: %v", err)
	}
	// 预定义错误本体不被污染
	if ErrBackfillFailed.Detail != "" {
		t.Fatal("sentinel mutated")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := ErrNotConnected.WrapMsg("dial")
	if !stderrors.Is(err, ErrNotConnected) {
		t.Fatal("errors.Is failed")
	}
	if stderrors.Is(err, ErrSendFailed) {
		t.Fatal("matched wrong code")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil) != nil {
		t.Fatal("wrap(nil) != nil")
	}
	if WrapMsg(nil, "x") != nil {
		t.Fatal("wrapmsg(nil) != nil")
	}
}
