package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testAccount  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testIdentity = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestRequestClaimUsesServiceResponse(t *testing.T) {
	var gotBody claimRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(ClaimMaterial{
			Signature:     Signature{R: "0x01", S: "0x02", V: 27},
			IssuerAddress: "0x92b9baA72387Fb845D8Fe88d2a14113F9cb2C4E7",
			DataHash:      "0x7de3cf25b2741629c9158f89f92258972961d4357b9f027487765f655caec367",
			Topic:         1,
		})
	}))
	defer server.Close()

	service := NewService(server.URL)
	claim := service.RequestClaim(context.Background(), testAccount, testIdentity)

	if claim.Signature.V != 27 || claim.Signature.R != "0x01" {
		t.Errorf("返回材料与响应不符: %+v", claim)
	}
	if gotBody.UserAddress != testAccount.Hex() {
		t.Errorf("userAddress = %s, 期望 %s", gotBody.UserAddress, testAccount.Hex())
	}
	if gotBody.OnchainIDAddress != testIdentity.Hex() {
		t.Errorf("onchainIDAddress = %s, 期望 %s", gotBody.OnchainIDAddress, testIdentity.Hex())
	}
	if gotBody.ClaimData != "KYC passed" || gotBody.Topic != 1 || gotBody.CountryCode != 91 {
		t.Errorf("固定请求参数不符: %+v", gotBody)
	}
}

func TestRequestClaimFallsBackOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	service := NewService(server.URL)
	claim := service.RequestClaim(context.Background(), testAccount, testIdentity)

	if !reflect.DeepEqual(claim, FallbackClaim()) {
		t.Errorf("服务失败时应返回固定材料，实际 %+v", claim)
	}
}

func TestRequestClaimFallsBackOnUnreachableEndpoint(t *testing.T) {
	service := NewService("http://127.0.0.1:0")
	claim := service.RequestClaim(context.Background(), testAccount, testIdentity)
	if !reflect.DeepEqual(claim, FallbackClaim()) {
		t.Errorf("连接失败时应返回固定材料，实际 %+v", claim)
	}
}

func TestRequestClaimFallsBackOnMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"signature":{}}`))
	}))
	defer server.Close()

	service := NewService(server.URL)
	claim := service.RequestClaim(context.Background(), testAccount, testIdentity)
	if !reflect.DeepEqual(claim, FallbackClaim()) {
		t.Errorf("响应缺少签名时应返回固定材料，实际 %+v", claim)
	}
}

func TestRequestClaimCachesGenuineResponses(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode(ClaimMaterial{
			Signature: Signature{R: "0x01", S: "0x02", V: 27},
			DataHash:  "0xabcd",
			Topic:     1,
		})
	}))
	defer server.Close()

	service := NewService(server.URL, WithCache(NewMemoryCache()))
	first := service.RequestClaim(context.Background(), testAccount, testIdentity)
	second := service.RequestClaim(context.Background(), testAccount, testIdentity)

	if hits != 1 {
		t.Errorf("服务命中次数 = %d, 期望 1", hits)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("缓存返回与首次不一致: %+v vs %+v", first, second)
	}
}

func TestRequestClaimDoesNotCacheFallback(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	service := NewService(server.URL, WithCache(NewMemoryCache()))
	service.RequestClaim(context.Background(), testAccount, testIdentity)
	service.RequestClaim(context.Background(), testAccount, testIdentity)

	if hits != 2 {
		t.Errorf("固定材料不应写入缓存，服务命中次数 = %d, 期望 2", hits)
	}
}

func TestWithTimeoutOverridesDefault(t *testing.T) {
	service := NewService("http://example.invalid", WithTimeout(5*time.Second))
	if service.httpClient.Timeout != 5*time.Second {
		t.Errorf("超时 = %v, 期望 5s", service.httpClient.Timeout)
	}
	// 非法值保持默认。
	service = NewService("http://example.invalid", WithTimeout(0))
	if service.httpClient.Timeout != requestTimeout {
		t.Errorf("超时 = %v, 期望默认 %v", service.httpClient.Timeout, requestTimeout)
	}
}

func TestRequestClaimFallsBackOnTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	service := NewService(server.URL, WithTimeout(50*time.Millisecond))
	claim := service.RequestClaim(context.Background(), testAccount, testIdentity)
	if !reflect.DeepEqual(claim, FallbackClaim()) {
		t.Errorf("超时后应返回固定材料，实际 %+v", claim)
	}
}

func TestSignatureBytesReassembles65Bytes(t *testing.T) {
	blob, err := FallbackClaim().SignatureBytes()
	if err != nil {
		t.Fatalf("重组签名失败: %v", err)
	}
	if len(blob) != 65 {
		t.Fatalf("签名长度 = %d, 期望 65", len(blob))
	}
	if blob[64] != 28 {
		t.Errorf("v 字节 = %d, 期望 28", blob[64])
	}
}

func TestSignatureBytesPadsShortComponents(t *testing.T) {
	claim := ClaimMaterial{Signature: Signature{R: "0x1", S: "0x2", V: 27}}
	blob, err := claim.SignatureBytes()
	if err != nil {
		t.Fatalf("重组签名失败: %v", err)
	}
	if len(blob) != 65 {
		t.Fatalf("签名长度 = %d, 期望 65", len(blob))
	}
	if blob[31] != 0x01 || blob[63] != 0x02 || blob[64] != 27 {
		t.Errorf("补零位置不符: r 末字节 %#x, s 末字节 %#x, v %#x", blob[31], blob[63], blob[64])
	}
	for i := 0; i < 31; i++ {
		if blob[i] != 0 {
			t.Fatalf("r 分量第 %d 字节应为零", i)
		}
	}
}

func TestSignatureBytesRejectsNonHex(t *testing.T) {
	claim := ClaimMaterial{Signature: Signature{R: "0xzz", S: "0x02", V: 27}}
	if _, err := claim.SignatureBytes(); err == nil {
		t.Fatal("期望十六进制解析错误")
	}
}

func TestDataBytes(t *testing.T) {
	data, err := FallbackClaim().DataBytes()
	if err != nil {
		t.Fatalf("解析数据哈希失败: %v", err)
	}
	if len(data) != 32 {
		t.Errorf("数据哈希长度 = %d, 期望 32", len(data))
	}
}
