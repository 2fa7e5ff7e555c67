package main

import "github.com/nsqio/go-nsq"

func newNSQProducer(addr string) (*nsq.Producer, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	p.SetLoggerLevel(nsq.LogLevelWarning)
	return p, nil
}
