package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// sesAPI is the subset of the SES v2 client the adapter uses.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SESAdapter sends email through AWS SES using the SDK v2.
type SESAdapter struct {
	client   sesAPI
	from     string
	fromName string
}

// NewSESAdapter is the Factory for provider "ses". Static credentials are
// used when configured; otherwise the default AWS credential chain applies.
func NewSESAdapter(ctx context.Context, ch domain.Channel, cfg ProviderConfig) (Adapter, error) {
	if ch != domain.ChannelEmail {
		return nil, fmt.Errorf("ses only serves email, not %s", ch)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccountID != "" && cfg.Secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccountID, cfg.Secret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSESAdapter(sesv2.NewFromConfig(awsCfg), cfg.From, cfg.FromName), nil
}

func newSESAdapter(client sesAPI, from, fromName string) *SESAdapter {
	return &SESAdapter{client: client, from: from, fromName: fromName}
}

// Channel returns email.
func (a *SESAdapter) Channel() domain.Channel { return domain.ChannelEmail }

// Send delivers a single email.
func (a *SESAdapter) Send(ctx context.Context, msg Message) Result {
	from := a.from
	if a.fromName != "" {
		from = fmt.Sprintf("%s <%s>", a.fromName, a.from)
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.Destination}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: sesTags(msg.Tags),
	}

	out, err := a.client.SendEmail(ctx, input)
	if err != nil {
		res := classifySESError(err)
		logger.Warn("ses send failed", "destination", msg.Destination, "code", res.Code, "outcome", string(res.Outcome))
		return res
	}
	return sent(aws.ToString(out.MessageId), "accepted")
}

// Verify checks that the account is able to send.
func (a *SESAdapter) Verify(ctx context.Context) error {
	out, err := a.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return fmt.Errorf("ses get account: %w", err)
	}
	if !out.SendingEnabled {
		return fmt.Errorf("ses sending is disabled for this account")
	}
	return nil
}

func sesTags(tags map[string]string) []types.MessageTag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.MessageTag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.MessageTag{Name: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// classifySESError maps SES API error codes onto the outcome taxonomy.
func classifySESError(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return contextResult(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "MessageRejected", "MailFromDomainNotVerifiedException", "NotFoundException",
			"AccountSuspendedException", "BadRequestException":
			return permanent(code, err)
		case "SendingPausedException", "TooManyRequestsException", "LimitExceededException",
			"ThrottlingException", "InternalFailure", "ServiceUnavailable":
			return transient(code, err)
		}
		if apiErr.ErrorFault() == smithy.FaultClient {
			return permanent(code, err)
		}
		return transient(code, err)
	}
	return transient(CodeNetwork, err)
}
