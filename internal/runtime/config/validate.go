package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their configuration key, not their Go name
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("koanf"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateStruct runs the validate tags of v and returns the configuration
// keys of the offending fields.
func ValidateStruct(v any) ([]string, error) {
	err := validate.Struct(v)
	if err == nil {
		return nil, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if _, rest, ok := strings.Cut(ns, "."); ok {
			ns = rest
		}
		ns = strings.ReplaceAll(ns, "ProviderOptions.", "")
		fields = append(fields, ns)
	}
	return fields, err
}

// ValidateProvider checks the record of the named provider. The shared aws
// block is checked for sqs and sns and reported with an "aws." prefix.
func (m MessageBrokerConfig) ValidateProvider(name string) ([]string, error) {
	var record any
	switch name {
	case ProviderRabbitMQ:
		record = m.RabbitMQ
	case ProviderKafka:
		record = m.Kafka
	case ProviderSQS:
		record = m.SQS
	case ProviderSNS:
		record = m.SNS
	case ProviderNATS:
		record = m.NATS
	case ProviderChannel:
		record = m.Channel
	default:
		return nil, nil
	}

	fields, err := ValidateStruct(record)
	if name == ProviderSQS || name == ProviderSNS {
		awsFields, awsErr := ValidateStruct(m.AWS)
		for _, f := range awsFields {
			fields = append(fields, "aws."+f)
		}
		err = errors.Join(err, awsErr)
	}
	return fields, err
}
