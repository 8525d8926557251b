package xerrors

import (
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	// nil 错误应返回 nil
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("Wrap(nil) = %v，期望 nil", err)
	}

	base := errors.New("base error")
	wrapped := Wrap(base, "context")
	if wrapped.Error() != "context: base error" {
		t.Errorf("Wrap(err).Error() = %q，期望 %q", wrapped.Error(), "context: base error")
	}
	if !errors.Is(wrapped, base) {
		t.Error("errors.Is(wrapped, base) = false，期望 true")
	}
}

func TestWrapf(t *testing.T) {
	base := errors.New("not found")
	wrapped := Wrapf(base, "service %s", "ORDERS")
	if wrapped.Error() != "service ORDERS: not found" {
		t.Errorf("Wrapf(err).Error() = %q", wrapped.Error())
	}
}

func TestWithCode(t *testing.T) {
	if err := WithCode(nil, "CODE"); err != nil {
		t.Errorf("WithCode(nil) = %v，期望 nil", err)
	}

	coded := WithCode(errors.New("publish failed"), "PUBLISH")
	if coded.Error() != "[PUBLISH] publish failed" {
		t.Errorf("WithCode(err).Error() = %q", coded.Error())
	}

	// 包装后的带码错误依然应有 code
	if code := GetCode(Wrap(coded, "registry")); code != "PUBLISH" {
		t.Errorf("GetCode(wrapped) = %q，期望 %q", code, "PUBLISH")
	}
}

func TestCombine(t *testing.T) {
	if err := Combine(nil, nil); err != nil {
		t.Errorf("Combine(nil, nil) = %v，期望 nil", err)
	}

	a := errors.New("a")
	if err := Combine(nil, a); err != a {
		t.Errorf("Combine(nil, a) = %v，期望 a", err)
	}

	b := errors.New("b")
	err := Combine(a, b)
	var multi *MultiError
	if !errors.As(err, &multi) {
		t.Fatalf("Combine(a, b) 应返回 *MultiError，得到 %T", err)
	}
	if !errors.Is(err, a) || !errors.Is(err, b) {
		t.Error("MultiError 应保留所有错误链")
	}
	if err.Error() != "a (and 1 more errors)" {
		t.Errorf("MultiError.Error() = %q", err.Error())
	}
}

func TestRemoteError(t *testing.T) {
	err := Wrap(Remote(409, "conflict"), "call ORDERS")

	re, ok := AsRemote(err)
	if !ok {
		t.Fatal("AsRemote 应在错误链中找到 RemoteError")
	}
	if re.Code != 409 || re.Message != "conflict" {
		t.Errorf("RemoteError = %+v", re)
	}

	if _, ok := AsRemote(errors.New("plain")); ok {
		t.Error("普通错误不应被识别为 RemoteError")
	}
}

func TestInfra(t *testing.T) {
	if Infra("op", nil) != nil {
		t.Error("Infra(nil) 应返回 nil")
	}

	base := errors.New("connection refused")
	err := Infra("resolve", base)
	if !IsInfrastructure(err) {
		t.Error("Infra 应产生 InfrastructureError")
	}
	if !errors.Is(err, base) {
		t.Error("InfrastructureError 应保留原始错误链")
	}
	if err.Error() != "infrastructure error: resolve: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}

	// 不重复包装
	if again := Infra("other", err); again != err {
		t.Error("已是 InfrastructureError 的错误不应被重复包装")
	}

	// RemoteError 保持原样
	remote := Remote(500, "boom")
	if got := Infra("call", remote); got != remote {
		t.Error("RemoteError 不应被标记为基础设施错误")
	}
	if IsInfrastructure(remote) {
		t.Error("RemoteError 不是 InfrastructureError")
	}
}

func TestMust(t *testing.T) {
	if v := Must(42, nil); v != 42 {
		t.Errorf("Must(42, nil) = %d，期望 42", v)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("Must(_, err) 未触发 panic")
		}
	}()
	Must(0, errors.New("boom"))
}
