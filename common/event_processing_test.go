package common

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetNewTaskProcessorInstance("testing", 4)
	assert.Nil(err)

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	// Case 2: define handlers
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct1{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	// Case 3: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct3{}),
			func(p interface{}) error { return fmt.Errorf("dummy error") },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	uut, err := GetNewTaskProcessorInstance("testing", 4)
	assert.Nil(err)

	type testTask struct {
		resultCB func()
	}

	processed := 0
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testTask{}),
		func(p interface{}) error {
			task, ok := p.(testTask)
			if !ok {
				return fmt.Errorf("unexpected param type %s", reflect.TypeOf(p))
			}
			processed++
			task.resultCB()
			return nil
		},
	))

	assert.Nil(uut.StartEventLoop(&wg))
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	for itr := 0; itr < 3; itr++ {
		complete := make(chan bool, 1)
		assert.Nil(uut.Submit(testTask{resultCB: func() { complete <- true }}))
		select {
		case <-complete:
		case <-time.After(time.Second):
			assert.FailNow("task was not processed in time")
		}
	}
	assert.Equal(3, processed)
}
