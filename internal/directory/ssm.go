package directory

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

// SSMAPI is the part of *ssm.Client used to read the base URL override.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// BaseURLFromSSM reads the directory base URL from an SSM parameter.
// It is read once at startup; the address is fixed for the process.
func BaseURLFromSSM(ctx context.Context, api SSMAPI, param string) (string, error) {
	out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", param)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", param)
	}
	return v, nil
}
