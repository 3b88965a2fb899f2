package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ztrue/tracerr"
)

// The remote API calls the pipeline depends on, implemented over the JSON
// client. Only the fields the pipeline reads or writes are modelled.

// BlockInfo is one block entry as the server reports it: where to put or get
// the bytes, what they must hash to, and the opaque token to present at
// commit time.
type BlockInfo struct {
	Index          int    `json:"index"`
	DestinationUrl string `json:"destinationUrl"`
	Hash           []byte `json:"hash"`
	Signature      []byte `json:"signature"`
	RawSize        int64  `json:"rawSize"`
	EncryptedSize  int64  `json:"encryptedSize"`
	UploadToken    string `json:"uploadToken"`
}

type CreateFileRequest struct {
	ShareId      string `json:"shareId"`
	ParentLinkId string `json:"parentLinkId"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	// NodeKeyPacket is the file node key, symmetrically encrypted under the
	// node passphrase. NodePassphrasePacket is that passphrase wrapped under
	// the parent node key.
	NodeKeyPacket        []byte      `json:"nodeKeyPacket"`
	NodePassphrasePacket []byte      `json:"nodePassphrasePacket"`
	ContentKeyPacket     []byte      `json:"contentKeyPacket"`
	Blocks               []BlockInfo `json:"blocks"`
}

type CreateFileResponse struct {
	LinkId     string      `json:"linkId"`
	RevisionId string      `json:"revisionId"`
	Blocks     []BlockInfo `json:"blocks"`
}

type RevisionPage struct {
	Blocks            []BlockInfo `json:"blocks"`
	ContentKeyPacket  []byte      `json:"contentKeyPacket"`
	ManifestSignature []byte      `json:"manifestSignature"`
	HasMore           bool        `json:"hasMore"`
}

// BlockToken pairs a block's upload token with its verifier token for the
// commit request, in index order.
type BlockToken struct {
	Index         int    `json:"index"`
	UploadToken   string `json:"uploadToken"`
	VerifierToken []byte `json:"verifierToken"`
}

type UpdateRevisionRequest struct {
	ManifestSignature []byte       `json:"manifestSignature"`
	BlockTokens       []BlockToken `json:"blockTokens"`
	XAttr             string       `json:"xAttr,omitempty"`
	State             string       `json:"state"`
}

type verificationDataResponse struct {
	ContentKeyPacket []byte `json:"contentKeyPacket"`
	VerificationCode []byte `json:"verificationCode"`
}

// CreateFile registers a new file and its draft revision, getting back the
// pre-signed destination of every block.
func (apiClient *ApiClient) CreateFile(ctx context.Context, userId string, request *CreateFileRequest) (*CreateFileResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	responseBody, err := apiClient.MakeRequest(ctx, userId, http.MethodPost, fmt.Sprintf("/shares/%s/files", url.PathEscape(request.ShareId)), requestBody, nil, http.StatusCreated)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var response CreateFileResponse
	err = json.Unmarshal(responseBody, &response)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &response, nil
}

// GetRevision fetches one page of a revision's block manifest.
func (apiClient *ApiClient) GetRevision(ctx context.Context, userId string, shareId string, linkId string, revisionId string, fromBlockIndex int, pageSize int) (*RevisionPage, error) {
	requestUrl := fmt.Sprintf(
		"/shares/%s/links/%s/revisions/%s?fromBlockIndex=%d&pageSize=%d",
		url.PathEscape(shareId), url.PathEscape(linkId), url.PathEscape(revisionId), fromBlockIndex, pageSize,
	)
	responseBody, err := apiClient.MakeRequest(ctx, userId, http.MethodGet, requestUrl, nil, nil, http.StatusOK)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var response RevisionPage
	err = json.Unmarshal(responseBody, &response)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &response, nil
}

// UpdateRevision commits a revision with its manifest signature and per-block
// tokens.
func (apiClient *ApiClient) UpdateRevision(ctx context.Context, userId string, shareId string, linkId string, revisionId string, request *UpdateRevisionRequest) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return tracerr.Wrap(err)
	}
	requestUrl := fmt.Sprintf(
		"/shares/%s/links/%s/revisions/%s",
		url.PathEscape(shareId), url.PathEscape(linkId), url.PathEscape(revisionId),
	)
	_, err = apiClient.MakeRequest(ctx, userId, http.MethodPut, requestUrl, requestBody, nil, http.StatusOK)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

// GetVerificationData fetches the content key packet and verification code of
// a revision. Callers normally go through a VerificationCache instead of
// calling this directly.
func (apiClient *ApiClient) GetVerificationData(ctx context.Context, key VerificationKey) (*VerificationData, error) {
	requestUrl := fmt.Sprintf(
		"/shares/%s/links/%s/revisions/%s/verification",
		url.PathEscape(key.ShareId), url.PathEscape(key.LinkId), url.PathEscape(key.RevisionId),
	)
	responseBody, err := apiClient.MakeRequest(ctx, key.UserId, http.MethodGet, requestUrl, nil, nil, http.StatusOK)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var response verificationDataResponse
	err = json.Unmarshal(responseBody, &response)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &VerificationData{
		ContentKeyPacket: response.ContentKeyPacket,
		VerificationCode: response.VerificationCode,
	}, nil
}
